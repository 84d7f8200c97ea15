package execution

import (
	"fmt"
	"sync"

	"confluence-core/pkg/types"
)

// closedOrderRetention bounds the closed order ring.
const closedOrderRetention = 1000

// OrderManager tracks live orders by client id and retains the most recent
// closed orders. It is the single writer of order state; transitions follow
// the forward-only state machine (PARTIAL may repeat).
type OrderManager struct {
	mu         sync.RWMutex
	live       map[string]*types.Order // client id -> order
	venueIndex map[string]string       // venue id -> client id
	closed     []types.Order           // ring, newest last
}

// NewOrderManager creates an empty manager.
func NewOrderManager() *OrderManager {
	return &OrderManager{
		live:       make(map[string]*types.Order),
		venueIndex: make(map[string]string),
	}
}

// Register adds a new order in PENDING state. Registering an existing client
// id returns the tracked order and false, making placement idempotent.
func (m *OrderManager) Register(o types.Order) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.live[o.ClientID]; ok {
		return *existing, false
	}
	for _, c := range m.closed {
		if c.ClientID == o.ClientID {
			return c, false
		}
	}

	o.State = types.OrderPending
	stored := o
	m.live[o.ClientID] = &stored
	return stored, true
}

// Transition advances an order's state, applying the mutation under the
// manager lock. Invalid transitions are rejected.
func (m *OrderManager) Transition(clientID string, next types.OrderState, mutate func(*types.Order)) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[clientID]
	if !ok {
		return types.Order{}, fmt.Errorf("order %s not tracked", clientID)
	}
	if !o.State.CanTransition(next) {
		return *o, fmt.Errorf("order %s: illegal transition %s -> %s", clientID, o.State, next)
	}

	o.State = next
	if mutate != nil {
		mutate(o)
	}
	if o.VenueID != "" {
		m.venueIndex[o.VenueID] = o.ClientID
	}

	if next.Terminal() {
		m.closed = append(m.closed, *o)
		if len(m.closed) > closedOrderRetention {
			m.closed = m.closed[len(m.closed)-closedOrderRetention:]
		}
		delete(m.live, clientID)
		delete(m.venueIndex, o.VenueID)
	}
	return *o, nil
}

// Get returns a copy of a tracked (live or recently closed) order.
func (m *OrderManager) Get(clientID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.live[clientID]; ok {
		return *o, true
	}
	for i := len(m.closed) - 1; i >= 0; i-- {
		if m.closed[i].ClientID == clientID {
			return m.closed[i], true
		}
	}
	return types.Order{}, false
}

// ByVenueID resolves a venue order id to a copy of the live order.
func (m *OrderManager) ByVenueID(venueID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clientID, ok := m.venueIndex[venueID]
	if !ok {
		return types.Order{}, false
	}
	o, ok := m.live[clientID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Live returns copies of all live orders.
func (m *OrderManager) Live() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.live))
	for _, o := range m.live {
		out = append(out, *o)
	}
	return out
}

// Closed returns copies of retained closed orders, newest last.
func (m *OrderManager) Closed() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, len(m.closed))
	copy(out, m.closed)
	return out
}
