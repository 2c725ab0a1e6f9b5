// Package store defines the gateway's durable persistence contract and
// its implementations: virtual keys, the budget/cost ledgers with their
// live reservations, and the append-only audit log.
//
// The core consumes the Store interface only; a deployment without a
// database runs on the in-memory implementation and simply loses ledger
// state across restarts.
package store

import (
	"context"
	"time"

	"github.com/ditto-gateway/gateway/config"
)

// LedgerRow is one scope's spent/reserved pair for one dimension.
type LedgerRow struct {
	Scope     string
	Kind      string // "tokens" | "cost_usd_micros"
	Spent     uint64
	Reserved  uint64
	UpdatedAt time.Time
}

// ReservationRow is one live budget reservation.
type ReservationRow struct {
	RequestID string
	Scope     string
	Kind      string
	Amount    uint64
	TS        time.Time
}

// AuditRow is one appended audit record. ID is assigned by the store and
// is monotonically increasing.
type AuditRow struct {
	ID      int64
	TS      time.Time
	Kind    string
	Payload []byte
}

// Store is the persistence capability the gateway is parameterized over.
type Store interface {
	// Virtual keys. Deletion is removal; the admin plane soft-deletes by
	// upserting a disabled key when it wants history.
	UpsertVirtualKey(ctx context.Context, key config.VirtualKey) error
	DeleteVirtualKey(ctx context.Context, id string) error
	ListVirtualKeys(ctx context.Context) ([]config.VirtualKey, error)

	// Ledger persistence. LoadLedger replays both tables at startup so
	// reservations survive restart.
	LoadLedger(ctx context.Context) ([]LedgerRow, []ReservationRow, error)
	SaveLedgerRow(ctx context.Context, row LedgerRow) error
	InsertReservation(ctx context.Context, row ReservationRow) error
	DeleteReservation(ctx context.Context, requestID, scope, kind string) error

	// AppendAuditLog appends one record; IDs are monotonic.
	AppendAuditLog(ctx context.Context, kind string, payload []byte) error

	Close() error
}
