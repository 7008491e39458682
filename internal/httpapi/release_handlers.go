package httpapi

import (
	"errors"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/auth"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/ledger"
	"mylucky.org/internal/timelock"
	"mylucky.org/internal/vesting"
)

// Amounts travel as base-10 strings of base units; JSON numbers cannot hold
// 18-decimal supplies.

type scheduleView struct {
	Component       string    `json:"component"`
	Asset           string    `json:"asset"`
	Beneficiary     string    `json:"beneficiary"`
	CreationTime    time.Time `json:"creation_time"`
	CliffEnd        time.Time `json:"cliff_end"`
	VestingEnd      time.Time `json:"vesting_end"`
	TotalAllocated  string    `json:"total_allocated"`
	TotalReleased   string    `json:"total_released"`
	Releasable      string    `json:"releasable"`
	AllocationFixed bool      `json:"allocation_fixed"`
	State           string    `json:"state"`
}

type lockView struct {
	Component       string    `json:"component"`
	Asset           string    `json:"asset"`
	Beneficiary     string    `json:"beneficiary"`
	UnlockTime      time.Time `json:"unlock_time"`
	Locked          string    `json:"locked"`
	SecondsToUnlock int64     `json:"seconds_to_unlock"`
	State           string    `json:"state"`
}

type releaseResponse struct {
	Component string `json:"component"`
	Amount    string `json:"amount"`
	NoOp      bool   `json:"noop,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type lockRequest struct {
	Amount string `json:"amount"`
}

type lockResponse struct {
	Component  string    `json:"component"`
	Depositor  string    `json:"depositor"`
	Amount     string    `json:"amount"`
	UnlockTime time.Time `json:"unlock_time"`
}

func newScheduleView(st vesting.Status) scheduleView {
	return scheduleView{
		Component:       st.Component.Hex(),
		Asset:           st.Asset.Hex(),
		Beneficiary:     st.Beneficiary.Hex(),
		CreationTime:    st.CreationTime,
		CliffEnd:        st.CliffEnd,
		VestingEnd:      st.VestingEnd,
		TotalAllocated:  st.TotalAllocated.String(),
		TotalReleased:   st.TotalReleased.String(),
		Releasable:      st.Releasable.String(),
		AllocationFixed: st.AllocationFixed,
		State:           string(st.State),
	}
}

func newLockView(st timelock.Status) lockView {
	return lockView{
		Component:       st.Component.Hex(),
		Asset:           st.Asset.Hex(),
		Beneficiary:     st.Beneficiary.Hex(),
		UnlockTime:      st.UnlockTime,
		Locked:          st.Locked.String(),
		SecondsToUnlock: st.SecondsToUnlock,
		State:           string(st.State),
	}
}

func (a *API) handleSchedulesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireDeployment(w, r) {
		return
	}
	items := make([]scheduleView, 0)
	for _, s := range a.deployment.Schedules() {
		st, err := s.Status(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "status unavailable")
			return
		}
		items = append(items, newScheduleView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleScheduleResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireDeployment(w, r) {
		return
	}
	id, action, ok := splitResource(r.URL.Path, "/v1/schedules/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	sched, found := a.deployment.Schedule(id)
	if !found {
		writeError(w, r, http.StatusNotFound, "schedule not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		st, err := sched.Status(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "status unavailable")
			return
		}
		writeJSON(w, http.StatusOK, newScheduleView(st))
	case "release":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		amount, err := sched.Release(r.Context())
		a.writeRelease(w, r, sched.Address(), amount, err)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleLocksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireDeployment(w, r) {
		return
	}
	items := make([]lockView, 0)
	for _, l := range a.deployment.Locks() {
		st, err := l.Status(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "status unavailable")
			return
		}
		items = append(items, newLockView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleLockResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireDeployment(w, r) {
		return
	}
	id, action, ok := splitResource(r.URL.Path, "/v1/locks/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	lk, found := a.deployment.Lock(id)
	if !found {
		writeError(w, r, http.StatusNotFound, "lock not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		st, err := lk.Status(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "status unavailable")
			return
		}
		writeJSON(w, http.StatusOK, newLockView(st))
	case "lock":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.lock(w, r, lk)
	case "release":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		amount, err := lk.Release(r.Context())
		a.writeRelease(w, r, lk.Address(), amount, err)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// lock moves the caller's shares into custody. The API holds the depositor's
// account, so it grants the lock an allowance of exactly amount first.
func (a *API) lock(w http.ResponseWriter, r *http.Request, lk *timelock.TimeLock) {
	if !requireDepositor(w, r) {
		return
	}
	depositor, _ := auth.UserFromContext(r.Context())

	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	asset := a.ledgerFor(lk.Config().Asset())
	if asset == nil {
		writeError(w, r, http.StatusInternalServerError, "lock asset not deployed")
		return
	}
	if err := asset.Approve(r.Context(), depositor, lk.Address(), amount); err != nil {
		a.writeCustodyError(w, r, custody.Transfer("timelock.lock", err))
		return
	}
	if err := lk.Lock(r.Context(), depositor, amount); err != nil {
		a.writeCustodyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lockResponse{
		Component:  lk.Address().Hex(),
		Depositor:  depositor.Hex(),
		Amount:     amount.String(),
		UnlockTime: lk.Config().UnlockTime(),
	})
}

func (a *API) ledgerFor(asset common.Address) ledger.Token {
	for _, t := range []ledger.Token{a.deployment.Token, a.deployment.LPToken} {
		if t != nil && t.Info().Address == asset {
			return t
		}
	}
	return nil
}

func (a *API) writeRelease(w http.ResponseWriter, r *http.Request, component common.Address, amount *big.Int, err error) {
	if err != nil {
		a.writeCustodyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{
		Component: component.Hex(),
		Amount:    amount.String(),
	})
}

func (a *API) requireDeployment(w http.ResponseWriter, r *http.Request) bool {
	if a.deployment == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no deployment loaded")
		return false
	}
	return true
}

// writeCustodyError maps the failure kind onto a status code. Policy failures
// carry Retry-After; no-op outcomes are successful responses.
func (a *API) writeCustodyError(w http.ResponseWriter, r *http.Request, err error) {
	switch custody.KindOf(err) {
	case custody.KindValidation:
		writeError(w, r, http.StatusBadRequest, err.Error())
	case custody.KindPolicy:
		payload := map[string]any{"error": err.Error()}
		if at, ok := custody.RetryAt(err); ok {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(at, a.clock.Now()), 10))
			payload["retry_at"] = at.UTC().Format(time.RFC3339)
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
	case custody.KindNoOp:
		writeJSON(w, http.StatusOK, releaseResponse{
			Component: componentFromPath(r.URL.Path),
			Amount:    "0",
			NoOp:      true,
			Reason:    err.Error(),
		})
	case custody.KindTransfer:
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func retryAfterSeconds(at, now time.Time) int64 {
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// splitResource parses "<prefix><address>[/<action>]".
func splitResource(path, prefix string) (common.Address, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	id, action, _ := strings.Cut(rest, "/")
	if !common.IsHexAddress(id) || strings.Contains(action, "/") {
		return common.Address{}, "", false
	}
	return common.HexToAddress(id), action, true
}

func componentFromPath(path string) string {
	for _, prefix := range []string{"/v1/schedules/", "/v1/locks/"} {
		if strings.HasPrefix(path, prefix) {
			if id, _, ok := splitResource(path, prefix); ok {
				return id.Hex()
			}
		}
	}
	return ""
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New("amount must be an integer in base units")
	}
	if v.Sign() <= 0 {
		return nil, errors.New("amount must be > 0")
	}
	return v, nil
}
