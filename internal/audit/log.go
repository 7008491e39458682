package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mylucky.org/internal/auth"
	"mylucky.org/internal/obs"
)

type requestIDKey struct{}

// WithRequestID tags ctx so entries recorded under it carry the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Entry is one line of the audit trail. Custody movements fill the component,
// asset, beneficiary and amount columns; other actions leave them empty and
// put what they have in Detail.
type Entry struct {
	At          time.Time      `json:"at"`
	Action      string         `json:"action"`
	RequestID   string         `json:"request_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Component   string         `json:"component,omitempty"`
	Asset       string         `json:"asset,omitempty"`
	Beneficiary string         `json:"beneficiary,omitempty"`
	Amount      string         `json:"amount,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Record stamps e with the request id and authenticated depositor found in
// ctx and writes it as a single JSON line.
func Record(ctx context.Context, e Entry) error {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return errors.New("audit: action is required")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = e.At.UTC()
	if e.RequestID == "" {
		e.RequestID = requestID(ctx)
	}
	if user, ok := auth.UserFromContext(ctx); ok && e.Actor == "" {
		e.Actor = user.Hex()
	}
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Entry
	}{Type: "audit", Entry: e})
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Log records an action that is not a custody movement.
func Log(ctx context.Context, action string, detail map[string]any) error {
	return Record(ctx, Entry{Action: action, Detail: detail})
}
