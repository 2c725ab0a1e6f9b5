// Package database manages the gorm connection pool beneath the durable
// Store: pool sizing, background health checks, and transaction helpers
// with retry for transient failures.
//
// PoolManager wraps an opened *gorm.DB, applies the configured
// MaxIdleConns/MaxOpenConns/ConnMaxLifetime limits to the underlying
// sql.DB, and pings it periodically. WithTransaction runs a callback in
// one transaction; WithTransactionRetry adds exponential backoff for
// deadlocks, serialization failures, and dropped connections, which the
// ledger's settle path can hit under concurrent settlement of one scope.
package database
