package audit

import (
	"context"
	"time"

	"mylucky.org/internal/custody"
)

// Sink writes custody events to the audit trail.
type Sink struct{}

var _ custody.Sink = Sink{}

func (Sink) Emit(ctx context.Context, evt custody.Event) error {
	e := Entry{
		At:          evt.Timestamp,
		Action:      string(evt.Type),
		Component:   evt.Component.Hex(),
		Asset:       evt.Asset.Hex(),
		Beneficiary: evt.Beneficiary.Hex(),
		Amount:      custody.Clone(evt.Amount).String(),
		Detail:      map[string]any{"event_id": evt.ID},
	}
	if evt.Type == custody.EventTimeLockLocked {
		e.Detail["from"] = evt.From.Hex()
	}
	if !evt.UnlockTime.IsZero() {
		e.Detail["unlock_time"] = evt.UnlockTime.UTC().Format(time.RFC3339)
	}
	return Record(ctx, e)
}
