package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/database"
)

// Table models. Virtual keys are stored as opaque JSON under their stable
// id so token rotation never rewrites history.

type virtualKeyRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	JSON      []byte
	UpdatedAt time.Time
}

func (virtualKeyRow) TableName() string { return "virtual_keys" }

type budgetLedgerRow struct {
	Scope     string `gorm:"primaryKey;size:256"`
	Kind      string `gorm:"primaryKey;size:32"`
	Spent     uint64
	Reserved  uint64
	UpdatedAt time.Time
}

func (budgetLedgerRow) TableName() string { return "budget_ledger" }

type budgetReservationRow struct {
	RequestID string `gorm:"primaryKey;size:128"`
	Scope     string `gorm:"primaryKey;size:256"`
	Kind      string `gorm:"primaryKey;size:32"`
	Amount    uint64
	TS        time.Time
}

func (budgetReservationRow) TableName() string { return "budget_reservations" }

type auditLogRow struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	TS      time.Time
	Kind    string `gorm:"size:64;index"`
	Payload []byte
}

func (auditLogRow) TableName() string { return "audit_logs" }

// Gorm is the database-backed Store over a pooled gorm handle.
type Gorm struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGorm migrates the schema and returns the Store.
func NewGorm(pool *database.PoolManager, logger *zap.Logger) (*Gorm, error) {
	if err := pool.DB().AutoMigrate(
		&virtualKeyRow{},
		&budgetLedgerRow{},
		&budgetReservationRow{},
		&auditLogRow{},
	); err != nil {
		return nil, fmt.Errorf("store: auto migrate: %w", err)
	}
	return &Gorm{pool: pool, logger: logger.With(zap.String("component", "store"))}, nil
}

func (g *Gorm) UpsertVirtualKey(ctx context.Context, key config.VirtualKey) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("store: encode virtual key: %w", err)
	}
	row := virtualKeyRow{ID: key.ID, JSON: payload, UpdatedAt: time.Now()}
	return g.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}

func (g *Gorm) DeleteVirtualKey(ctx context.Context, id string) error {
	return g.pool.DB().WithContext(ctx).Delete(&virtualKeyRow{}, "id = ?", id).Error
}

func (g *Gorm) ListVirtualKeys(ctx context.Context) ([]config.VirtualKey, error) {
	var rows []virtualKeyRow
	if err := g.pool.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list virtual keys: %w", err)
	}
	out := make([]config.VirtualKey, 0, len(rows))
	for _, row := range rows {
		var key config.VirtualKey
		if err := json.Unmarshal(row.JSON, &key); err != nil {
			g.logger.Warn("skipping undecodable virtual key", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

func (g *Gorm) LoadLedger(ctx context.Context) ([]LedgerRow, []ReservationRow, error) {
	var ledgerRows []budgetLedgerRow
	if err := g.pool.DB().WithContext(ctx).Find(&ledgerRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: load ledger: %w", err)
	}
	var reservationRows []budgetReservationRow
	if err := g.pool.DB().WithContext(ctx).Find(&reservationRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: load reservations: %w", err)
	}

	ledgers := make([]LedgerRow, len(ledgerRows))
	for i, r := range ledgerRows {
		ledgers[i] = LedgerRow{Scope: r.Scope, Kind: r.Kind, Spent: r.Spent, Reserved: r.Reserved, UpdatedAt: r.UpdatedAt}
	}
	reservations := make([]ReservationRow, len(reservationRows))
	for i, r := range reservationRows {
		reservations[i] = ReservationRow{RequestID: r.RequestID, Scope: r.Scope, Kind: r.Kind, Amount: r.Amount, TS: r.TS}
	}
	return ledgers, reservations, nil
}

func (g *Gorm) SaveLedgerRow(ctx context.Context, row LedgerRow) error {
	dbRow := budgetLedgerRow{
		Scope:     row.Scope,
		Kind:      row.Kind,
		Spent:     row.Spent,
		Reserved:  row.Reserved,
		UpdatedAt: time.Now(),
	}
	return g.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Save(&dbRow).Error
	})
}

func (g *Gorm) InsertReservation(ctx context.Context, row ReservationRow) error {
	dbRow := budgetReservationRow{
		RequestID: row.RequestID,
		Scope:     row.Scope,
		Kind:      row.Kind,
		Amount:    row.Amount,
		TS:        row.TS,
	}
	return g.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Save(&dbRow).Error
	})
}

func (g *Gorm) DeleteReservation(ctx context.Context, requestID, scope, kind string) error {
	return g.pool.DB().WithContext(ctx).
		Delete(&budgetReservationRow{}, "request_id = ? AND scope = ? AND kind = ?", requestID, scope, kind).Error
}

func (g *Gorm) AppendAuditLog(ctx context.Context, kind string, payload []byte) error {
	row := auditLogRow{TS: time.Now(), Kind: kind, Payload: payload}
	return g.pool.DB().WithContext(ctx).Create(&row).Error
}

func (g *Gorm) Close() error { return g.pool.Close() }
