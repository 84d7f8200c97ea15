package position

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"confluence-core/internal/events"
	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

// quantityEpsilon treats smaller differences as equal during reconciliation.
const quantityEpsilon = 1e-6

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Venue        string
	CreatedLocal int
	ClosedLocal  int
	Overwritten  int
}

// Reconcile diffs local positions against each configured venue and rewrites
// local state to match; the exchange is the source of truth. Running against
// an already-consistent state makes no writes and emits no events.
func (m *Monitor) Reconcile(ctx context.Context) error {
	var firstErr error
	for venue, ref := range m.Venues {
		vctx, cancel := context.WithTimeout(ctx, m.ReconTimeout)
		report, err := m.reconcileVenue(vctx, venue, ref)
		cancel()
		if err != nil {
			log.Printf("position: reconcile %s: %v", venue, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("reconcile %s: %w", venue, err)
			}
			continue
		}
		if report.CreatedLocal+report.ClosedLocal+report.Overwritten == 0 {
			log.Printf("position: reconcile %s: in sync", venue)
		} else {
			log.Printf("position: reconcile %s: created=%d closed=%d overwritten=%d",
				venue, report.CreatedLocal, report.ClosedLocal, report.Overwritten)
		}
	}
	return firstErr
}

func (m *Monitor) reconcileVenue(ctx context.Context, venue string, ref VenueRef) (ReconcileReport, error) {
	report := ReconcileReport{Venue: venue}

	venuePositions, err := ref.Gateway.GetPositions(ctx)
	if err != nil {
		return report, err
	}
	type localEntry struct {
		pos types.Position
		mp  *managed
	}
	bySymbol := make(map[string]localEntry)

	m.mu.RLock()
	for _, mp := range m.positions {
		mp.mu.Lock()
		p := mp.pos
		mp.mu.Unlock()
		if p.Pair.Venue == venue {
			bySymbol[p.Pair.Symbol] = localEntry{pos: p, mp: mp}
		}
	}
	m.mu.RUnlock()

	seen := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		seen[vp.Symbol] = true
		local, exists := bySymbol[vp.Symbol]

		if !exists {
			// missing_local: the exchange has a position we do not.
			pos := m.positionFromVenue(venue, ref, vp)
			m.track(pos)
			m.Bus.Publish(events.New(events.EventPositionOpened, pos))
			report.CreatedLocal++
			continue
		}

		qtyMismatch := math.Abs(local.pos.Quantity-vp.Quantity) > quantityEpsilon
		priceMismatch := vp.EntryPrice > 0 && math.Abs(local.pos.EntryPrice-vp.EntryPrice) > quantityEpsilon
		if qtyMismatch || priceMismatch {
			local.mp.mu.Lock()
			local.mp.pos.Quantity = vp.Quantity
			if vp.EntryPrice > 0 {
				local.mp.pos.EntryPrice = vp.EntryPrice
			}
			local.mp.mu.Unlock()
			report.Overwritten++
		}
	}

	// missing_exchange: local positions the venue does not know about.
	for symbol, local := range bySymbol {
		if seen[symbol] {
			continue
		}
		m.finalizeClose(local.pos.ID, types.ExitReconciledMissing, local.pos.EntryPrice)
		report.ClosedLocal++
	}

	return report, nil
}

// positionFromVenue builds a local position from authoritative venue state.
// Reconciliation does not retro-emit OrderFilled; the position arrives as
// PositionOpened with source "reconciled".
func (m *Monitor) positionFromVenue(venue string, ref VenueRef, vp common.VenuePosition) types.Position {
	side := types.Long
	if vp.Side == types.SideSell {
		side = types.Short
	}
	class := types.AssetRegular
	if m.Classify != nil {
		class = m.Classify(vp.Symbol)
	}
	trailing := m.Params.TrailingPct[class]
	if trailing <= 0 {
		trailing = 0.005
	}

	pos := types.Position{
		ID:                  uuid.NewString(),
		Pair:                types.Pair{Venue: venue, Market: ref.Market, Symbol: vp.Symbol},
		Side:                side,
		EntryPrice:          vp.EntryPrice,
		Quantity:            vp.Quantity,
		EntryTime:           time.Now(),
		AssetClass:          class,
		Source:              "reconciled",
		TrailingDistancePct: trailing,
		LastPrice:           vp.EntryPrice,
		State:               types.PositionOpen,
	}
	if side == types.Long {
		pos.HighestMark = vp.EntryPrice
		pos.TrailingStopPrice = vp.EntryPrice * (1 - trailing)
	} else {
		pos.LowestMark = vp.EntryPrice
		pos.TrailingStopPrice = vp.EntryPrice * (1 + trailing)
	}
	return pos
}
