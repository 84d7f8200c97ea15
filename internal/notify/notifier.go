// Package notify routes operator-facing events to notification senders by
// priority. Transports (email, chat) and batching live outside the core; a
// log-backed sender ships as the default.
package notify

import (
	"context"
	"fmt"
	"log"

	"confluence-core/internal/events"
	"confluence-core/pkg/types"
)

// Priority ranks a notification.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityWarning  Priority = "WARNING"
	PriorityInfo     Priority = "INFO"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	Send(ctx context.Context, priority Priority, title, message string) error
	Name() string
}

// LogSender writes notifications to the process log.
type LogSender struct{}

// Name identifies the sender.
func (LogSender) Name() string { return "log" }

// Send writes the notification.
func (LogSender) Send(_ context.Context, priority Priority, title, message string) error {
	log.Printf("notify [%s] %s: %s", priority, title, message)
	return nil
}

// Router is the reactive component bridging bus events to senders. A single
// sender failure does not prevent delivery to the rest.
type Router struct {
	Bus     *events.Bus
	Senders []Sender

	unsubs []func()
}

// Name identifies the component.
func (r *Router) Name() string { return "notifier" }

// Start installs subscriptions for the operator-relevant topics.
func (r *Router) Start(ctx context.Context) error {
	if len(r.Senders) == 0 {
		r.Senders = []Sender{LogSender{}}
	}

	sub := func(t events.Type, pri Priority, title func(events.Event) string) {
		r.unsubs = append(r.unsubs, r.Bus.Subscribe(t, "notify-"+string(t), func(ctx context.Context, ev events.Event) error {
			r.dispatch(ctx, pri, title(ev), fmt.Sprintf("%v", ev.Payload))
			return nil
		}))
	}

	sub(events.EventOrderFailed, PriorityWarning, func(ev events.Event) string {
		if fe, ok := ev.Payload.(types.OrderFailedEvent); ok {
			return "order failed: " + fe.Reason
		}
		return "order failed"
	})
	sub(events.EventSystemError, PriorityCritical, func(ev events.Event) string {
		if se, ok := ev.Payload.(events.SystemError); ok {
			return "system error in " + se.Component
		}
		return "system error"
	})
	sub(events.EventConnectionLost, PriorityCritical, func(events.Event) string { return "market data connection lost" })
	sub(events.EventDumpDetected, PriorityWarning, func(events.Event) string { return "dump detected" })
	sub(events.EventCorrelatedDump, PriorityWarning, func(events.Event) string { return "correlated dump" })
	sub(events.EventCircuitBreaker, PriorityCritical, func(events.Event) string { return "circuit breaker triggered" })
	sub(events.EventStopAllTrading, PriorityCritical, func(events.Event) string { return "all trading stopped" })
	return nil
}

// Stop removes subscriptions.
func (r *Router) Stop(ctx context.Context) error {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
	return nil
}

func (r *Router) dispatch(ctx context.Context, pri Priority, title, message string) {
	for _, s := range r.Senders {
		if err := s.Send(ctx, pri, title, message); err != nil {
			log.Printf("notify: sender %s: %v", s.Name(), err)
		}
	}
}
