package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/custody"
)

// ComponentKind tags persisted component snapshots.
type ComponentKind string

const (
	KindVesting  ComponentKind = "vesting"
	KindTimeLock ComponentKind = "timelock"
)

// ComponentRecord is a persisted schedule or lock snapshot.
type ComponentRecord struct {
	Address   common.Address
	Kind      ComponentKind
	Snapshot  json.RawMessage
	UpdatedAt time.Time
}

// Events is the append-only custody event log. It implements custody.Sink.
type Events struct {
	db *sql.DB
}

var _ custody.Sink = (*Events)(nil)

func (s *Store) Events() *Events { return &Events{db: s.db} }

// Emit records evt. Replaying an event with a known id is a no-op.
func (e *Events) Emit(ctx context.Context, evt custody.Event) error {
	if evt.ID == "" {
		return errors.New("pg: event id is required")
	}
	var from sql.NullString
	if evt.From != (common.Address{}) {
		from = sql.NullString{String: hexAddr(evt.From), Valid: true}
	}
	var unlock sql.NullTime
	if !evt.UnlockTime.IsZero() {
		unlock = sql.NullTime{Time: evt.UnlockTime.UTC(), Valid: true}
	}
	_, err := e.db.ExecContext(ctx, `
		insert into custody_events(id, type, component, asset, beneficiary, from_address, amount, unlock_time, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9)
		on conflict (id) do nothing
	`, evt.ID, string(evt.Type), hexAddr(evt.Component), hexAddr(evt.Asset), hexAddr(evt.Beneficiary),
		from, custody.Clone(evt.Amount).String(), unlock, evt.Timestamp.UTC())
	return err
}

// SaveComponent upserts the JSON snapshot of a schedule or lock.
func (s *Store) SaveComponent(ctx context.Context, addr common.Address, kind ComponentKind, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into components(address, kind, snapshot, updated_at) values ($1,$2,$3,now())
		on conflict (address) do update set snapshot = excluded.snapshot, updated_at = now()
	`, hexAddr(addr), string(kind), data)
	return err
}

// Components lists all persisted snapshots, oldest first.
func (s *Store) Components(ctx context.Context) ([]ComponentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select address, kind, snapshot, updated_at from components order by updated_at asc, address asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ComponentRecord
	for rows.Next() {
		var (
			rec  ComponentRecord
			addr string
			kind string
			data []byte
		)
		if err := rows.Scan(&addr, &kind, &data, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Address = common.HexToAddress(addr)
		rec.Kind = ComponentKind(kind)
		rec.Snapshot = json.RawMessage(data)
		res = append(res, rec)
	}
	return res, rows.Err()
}
