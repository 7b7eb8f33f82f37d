package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a relational database handle with a breaker.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper wraps db with a breaker using DatabaseSettings.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("database", DatabaseSettings().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("database", "task-sink", cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func (dw *DatabaseWrapper) record(err error) {
	GlobalMetricsCollector.RecordRequest("database", "task-sink", dw.cb.State(), err == nil)
}

// PingContext checks connectivity.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func() error { return dw.db.PingContext(ctx) })
	dw.record(err)
	return err
}

// ExecContext runs a statement outside a transaction.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		res, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	dw.record(err)
	return res, err
}

// WithTx runs fn in a transaction, committing when fn returns nil. The whole
// transaction counts as one breaker call.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	err := dw.cb.Execute(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				dw.logger.Warn("Transaction rollback failed", zap.Error(rbErr))
			}
			return err
		}
		return tx.Commit()
	})
	dw.record(err)
	return err
}

// IsOpen reports whether the breaker is rejecting calls.
func (dw *DatabaseWrapper) IsOpen() bool { return dw.cb.State() == StateOpen }

// State exposes the breaker state.
func (dw *DatabaseWrapper) State() State { return dw.cb.State() }

// GetDB returns the underlying handle.
func (dw *DatabaseWrapper) GetDB() *sqlx.DB { return dw.db }

// Close closes the underlying handle.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
