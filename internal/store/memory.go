package store

import (
	"context"
	"sync"
	"time"

	"github.com/ditto-gateway/gateway/config"
)

// Memory is the no-database Store. It satisfies every method with plain
// maps so the core never branches on whether persistence is configured.
type Memory struct {
	mu           sync.Mutex
	keys         map[string]config.VirtualKey
	ledgers      map[string]LedgerRow // scope|kind
	reservations map[string]ReservationRow
	audit        []AuditRow
	nextAuditID  int64
}

func NewMemory() *Memory {
	return &Memory{
		keys:         make(map[string]config.VirtualKey),
		ledgers:      make(map[string]LedgerRow),
		reservations: make(map[string]ReservationRow),
		nextAuditID:  1,
	}
}

func ledgerKey(scope, kind string) string { return scope + "|" + kind }

func reservationID(requestID, scope, kind string) string {
	return requestID + "|" + scope + "|" + kind
}

func (m *Memory) UpsertVirtualKey(_ context.Context, key config.VirtualKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = key
	return nil
}

func (m *Memory) DeleteVirtualKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}

func (m *Memory) ListVirtualKeys(_ context.Context) ([]config.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.VirtualKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func (m *Memory) LoadLedger(_ context.Context) ([]LedgerRow, []ReservationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledgers := make([]LedgerRow, 0, len(m.ledgers))
	for _, row := range m.ledgers {
		ledgers = append(ledgers, row)
	}
	reservations := make([]ReservationRow, 0, len(m.reservations))
	for _, row := range m.reservations {
		reservations = append(reservations, row)
	}
	return ledgers, reservations, nil
}

func (m *Memory) SaveLedgerRow(_ context.Context, row LedgerRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.UpdatedAt = time.Now()
	m.ledgers[ledgerKey(row.Scope, row.Kind)] = row
	return nil
}

func (m *Memory) InsertReservation(_ context.Context, row ReservationRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[reservationID(row.RequestID, row.Scope, row.Kind)] = row
	return nil
}

func (m *Memory) DeleteReservation(_ context.Context, requestID, scope, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, reservationID(requestID, scope, kind))
	return nil
}

func (m *Memory) AppendAuditLog(_ context.Context, kind string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, AuditRow{
		ID:      m.nextAuditID,
		TS:      time.Now(),
		Kind:    kind,
		Payload: append([]byte(nil), payload...),
	})
	m.nextAuditID++
	return nil
}

// AuditRows returns a copy of the appended records, for tests and the
// admin plane.
func (m *Memory) AuditRows() []AuditRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditRow, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Memory) Close() error { return nil }
