// Package app wires component lifecycle: always-on components run loops
// between Start and Stop, reactive components install subscriptions on Start
// and remove them on Stop.
package app

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Component is the minimal lifecycle contract shared by every subsystem.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts components in registration order and stops them in
// reverse, giving each the shutdown window. The event bus is registered
// first so it stops last.
type Supervisor struct {
	components []Component
	shutdown   time.Duration
}

// NewSupervisor creates a supervisor with the given per-component shutdown
// window (default 10s when zero).
func NewSupervisor(shutdown time.Duration) *Supervisor {
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	return &Supervisor{shutdown: shutdown}
}

// Register appends a component to the start order.
func (s *Supervisor) Register(c Component) {
	s.components = append(s.components, c)
}

// Start brings every component up in order. The first failure stops the
// already-started prefix and is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	for i, c := range s.components {
		if err := c.Start(ctx); err != nil {
			log.Printf("supervisor: start %s failed: %v", c.Name(), err)
			s.stopRange(i-1, 0)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		log.Printf("supervisor: %s started", c.Name())
	}
	return nil
}

// Stop brings components down in reverse order, each within the shutdown
// window.
func (s *Supervisor) Stop() {
	s.stopRange(len(s.components)-1, 0)
}

func (s *Supervisor) stopRange(from, to int) {
	for i := from; i >= to; i-- {
		c := s.components[i]
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		if err := c.Stop(ctx); err != nil {
			log.Printf("supervisor: stop %s: %v", c.Name(), err)
		} else {
			log.Printf("supervisor: %s stopped", c.Name())
		}
		cancel()
	}
}
