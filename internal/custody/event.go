package custody

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type EventType string

const (
	EventVestingReleased  EventType = "vesting.released"
	EventTimeLockLocked   EventType = "timelock.locked"
	EventTimeLockReleased EventType = "timelock.released"
)

// Event is the structured record emitted by every successful state change.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Component   common.Address `json:"component"`
	Asset       common.Address `json:"asset"`
	Beneficiary common.Address `json:"beneficiary"`
	// From is the depositor for timelock.locked events.
	From       common.Address `json:"from"`
	Amount     *big.Int       `json:"amount"`
	UnlockTime time.Time      `json:"unlock_time"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink receives events. Sinks are observability only: a failing sink never
// changes the outcome of the operation that emitted the event.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Emit(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Fanout delivers every event to each sink in order and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops events.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
