package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/custody"
)

type eventView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Component   string    `json:"component"`
	Asset       string    `json:"asset"`
	Beneficiary string    `json:"beneficiary"`
	From        string    `json:"from,omitempty"`
	Amount      string    `json:"amount"`
	UnlockTime  time.Time `json:"unlock_time,omitzero"`
	Timestamp   time.Time `json:"timestamp"`
}

func newEventView(evt custody.Event) eventView {
	v := eventView{
		ID:          evt.ID,
		Type:        string(evt.Type),
		Component:   evt.Component.Hex(),
		Asset:       evt.Asset.Hex(),
		Beneficiary: evt.Beneficiary.Hex(),
		Amount:      "0",
		UnlockTime:  evt.UnlockTime,
		Timestamp:   evt.Timestamp,
	}
	if evt.From != (common.Address{}) {
		v.From = evt.From.Hex()
	}
	if evt.Amount != nil {
		v.Amount = evt.Amount.String()
	}
	return v
}

// Stream handles Server-Sent Events for release and lock events. The optional
// component query parameter limits the stream to one schedule or lock.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	var component common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("component")); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, r, http.StatusBadRequest, "component must be a hex address")
			return
		}
		component = common.HexToAddress(raw)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, component)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(newEventView(event))
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(event.Type) + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
