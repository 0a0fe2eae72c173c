// Package pgstore is the PostgreSQL-backed store. Transitions lock the row
// with SELECT ... FOR UPDATE inside a database transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	email               TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	phone_number        TEXT NOT NULL DEFAULT '',
	purpose             TEXT NOT NULL DEFAULT '',
	amount              NUMERIC(12,2) NOT NULL,
	currency            TEXT NOT NULL,
	display_amount      NUMERIC(18,2) NOT NULL DEFAULT 0,
	display_currency    TEXT NOT NULL DEFAULT '',
	conversion_rate     NUMERIC NOT NULL DEFAULT 1,
	method              TEXT NOT NULL,
	status              TEXT NOT NULL,
	correlation_id      TEXT NOT NULL DEFAULT '',
	merchant_request_id TEXT NOT NULL DEFAULT '',
	checkout_url        TEXT NOT NULL DEFAULT '',
	provider_reference  TEXT NOT NULL DEFAULT '',
	failure_reason      TEXT NOT NULL DEFAULT '',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	retry_of            TEXT NOT NULL DEFAULT '',
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transactions_correlation_idx ON transactions (method, correlation_id);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (status, created_at);

CREATE TABLE IF NOT EXISTS callback_records (
	id             TEXT PRIMARY KEY,
	provider       TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT '',
	raw_payload    TEXT NOT NULL,
	processed      BOOLEAN NOT NULL DEFAULT FALSE,
	success        BOOLEAN NOT NULL DEFAULT FALSE,
	orphaned       BOOLEAN NOT NULL DEFAULT FALSE,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sync_logs (
	id             TEXT PRIMARY KEY,
	sync_type      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	user_id        TEXT NOT NULL DEFAULT '',
	success        BOOLEAN NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	data           TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_logs_transaction_idx ON sync_logs (transaction_id, created_at);
`

const selectColumns = `id, user_id, email, name, phone_number, purpose,
	amount::text, currency, display_amount::text, display_currency, conversion_rate::text,
	method, status, correlation_id, merchant_request_id, checkout_url,
	provider_reference, failure_reason, retry_count, retry_of, version,
	created_at, updated_at, completed_at`

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables and indexes when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	stored := tx.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	stored.Status = models.StatusPending
	stored.Version = 1

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, user_id, email, name, phone_number, purpose,
			amount, currency, display_amount, display_currency, conversion_rate,
			method, status, retry_count, retry_of, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			$7::text::numeric, $8, $9::text::numeric, $10, $11::text::numeric,
			$12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		stored.ID, stored.UserID, stored.Email, stored.Name, stored.PhoneNumber, stored.Purpose,
		stored.Amount.String(), stored.Currency, stored.DisplayAmount.String(), stored.DisplayCurrency, stored.ConversionRate.String(),
		string(stored.Method), string(stored.Status), stored.RetryCount, stored.RetryOf, stored.Version, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, tx.ID)
		return existing, false, err
	}
	return stored, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("transaction %s not found", id)
	}
	return tx, err
}

func (s *Store) FindByCorrelation(ctx context.Context, method models.PaymentMethod, correlationID string) (*models.Transaction, error) {
	if correlationID == "" {
		return nil, models.NewNotFoundError("empty correlation id")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE method = $1 AND correlation_id = $2`,
		string(method), correlationID)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("no %s transaction for correlation id %s", method, correlationID)
	}
	return tx, err
}

func (s *Store) SetInitiation(ctx context.Context, id string, in store.Initiation) (*models.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE transactions
		SET correlation_id = $2, merchant_request_id = $3, checkout_url = $4,
			updated_at = $5, version = version + 1
		WHERE id = $1
		RETURNING `+selectColumns,
		id, in.CorrelationID, in.MerchantRequestID, in.CheckoutURL, s.now())
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("transaction %s not found", id)
	}
	return tx, err
}

func (s *Store) Transition(ctx context.Context, id string, u models.StatusUpdate) (*models.Transaction, bool, error) {
	dbTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = dbTx.Rollback(ctx)
	}()

	row := dbTx.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, models.NewNotFoundError("transaction %s not found", id)
	}
	if err != nil {
		return nil, false, err
	}

	if !tx.Apply(u, s.now()) {
		return tx, false, nil
	}
	tx.Version++

	_, err = dbTx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, provider_reference = $3, failure_reason = $4,
			updated_at = $5, completed_at = $6, version = $7
		WHERE id = $1`,
		id, string(tx.Status), tx.ProviderReference, tx.FailureReason, tx.UpdatedAt, tx.CompletedAt, tx.Version)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return tx, true, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collect(rows)
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM transactions
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	return collect(rows)
}

func (s *Store) RecordCallback(ctx context.Context, rec *models.CallbackRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callback_records (id, provider, correlation_id, transaction_id, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, string(rec.Provider), rec.CorrelationID, rec.TransactionID, rec.RawPayload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert callback record: %w", err)
	}
	return nil
}

func (s *Store) CompleteCallback(ctx context.Context, id string, outcome models.CallbackOutcome) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE callback_records
		SET processed = TRUE, processed_at = $2, transaction_id = $3, success = $4,
			orphaned = $5, error_kind = $6, error_message = $7,
			correlation_id = COALESCE(NULLIF($8, ''), correlation_id)
		WHERE id = $1 AND NOT processed`,
		id, s.now(), outcome.TransactionID, outcome.Success, outcome.Orphaned,
		string(outcome.ErrorKind), outcome.ErrorMessage, outcome.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to complete callback record: %w", err)
	}
	return nil
}

func (s *Store) RecordSync(ctx context.Context, entry *models.SyncLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_logs (id, sync_type, transaction_id, user_id, success, error_message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, string(entry.SyncType), entry.TransactionID, entry.UserID,
		entry.Success, entry.ErrorMessage, entry.Data, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	return nil
}

func (s *Store) ListSyncLogs(ctx context.Context, transactionID string) ([]*models.SyncLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sync_type, transaction_id, user_id, success, error_message, data, created_at
		FROM sync_logs WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncLog
	for rows.Next() {
		var (
			entry    models.SyncLog
			syncType string
		)
		if err := rows.Scan(&entry.ID, &syncType, &entry.TransactionID, &entry.UserID,
			&entry.Success, &entry.ErrorMessage, &entry.Data, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entry.SyncType = models.SyncType(syncType)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sync logs: %w", err)
	}
	return out, nil
}

func collect(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		tx                          models.Transaction
		amount, displayAmount, rate string
		method, status              string
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Email, &tx.Name, &tx.PhoneNumber, &tx.Purpose,
		&amount, &tx.Currency, &displayAmount, &tx.DisplayCurrency, &rate,
		&method, &status, &tx.CorrelationID, &tx.MerchantRequestID, &tx.CheckoutURL,
		&tx.ProviderReference, &tx.FailureReason, &tx.RetryCount, &tx.RetryOf, &tx.Version,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Method = models.PaymentMethod(method)
	tx.Status = models.Status(status)

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if tx.DisplayAmount, err = decimal.NewFromString(displayAmount); err != nil {
		return nil, fmt.Errorf("failed to parse display amount %q: %w", displayAmount, err)
	}
	if tx.ConversionRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("failed to parse conversion rate %q: %w", rate, err)
	}
	return &tx, nil
}
