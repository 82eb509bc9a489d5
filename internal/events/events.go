// Package events carries pipeline lifecycle notifications from the components
// that produce them to attached observers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	BatchCreated   Type = "batch.created"
	BatchCompleted Type = "batch.completed"
	BatchFailed    Type = "batch.failed"
	RetryAttempt   Type = "retry.attempt"
	RetryExhausted Type = "retry.exhausted"
)

// Event is one lifecycle notification. Payload is a snapshot owned by the
// receiver.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New builds an event stamped with the current time.
func New(t Type, payload any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}

// Observer receives events.
type Observer interface {
	Notify(ctx context.Context, e Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event) error

// Notify implements Observer.
func (f ObserverFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Observable is implemented by components that emit events.
type Observable interface {
	AddObserver(o Observer)
}

// Base is embedded by event producers.
type Base struct {
	observerLock sync.RWMutex
	observers    []Observer
}

// AddObserver registers an observer.
func (b *Base) AddObserver(o Observer) {
	b.observerLock.Lock()
	b.observers = append(b.observers, o)
	b.observerLock.Unlock()
}

// NotifyObservers delivers e to every observer and joins their errors.
func (b *Base) NotifyObservers(ctx context.Context, e Event) error {
	b.observerLock.RLock()
	defer b.observerLock.RUnlock()

	var notifyErrors []error
	for _, observer := range b.observers {
		if err := observer.Notify(ctx, e); err != nil {
			notifyErrors = append(notifyErrors, err)
		}
	}
	return errors.Join(notifyErrors...)
}
