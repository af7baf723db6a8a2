package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	schemaSQL = `
CREATE TABLE IF NOT EXISTS price_histories (
    exchange   TEXT        NOT NULL,
    instrument TEXT        NOT NULL,
    prices     TEXT[]      NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (exchange, instrument)
);
CREATE TABLE IF NOT EXISTS relay_state (
    id         SMALLINT    PRIMARY KEY CHECK (id = 1),
    message    TEXT,
    sent_at    BIGINT,
    image      BYTEA,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS alerts (
    id           BIGSERIAL   PRIMARY KEY,
    exchange     TEXT        NOT NULL,
    instrument   TEXT        NOT NULL,
    old_price    NUMERIC     NOT NULL,
    new_price    NUMERIC     NOT NULL,
    percent_diff NUMERIC     NOT NULL,
    minutes      INT         NOT NULL,
    message      TEXT        NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	selectHistoriesSQL = `SELECT instrument, prices FROM price_histories WHERE exchange = $1;`

	deleteHistoriesSQL = `DELETE FROM price_histories WHERE exchange = $1;`

	insertHistorySQL = `INSERT INTO price_histories (exchange, instrument, prices, updated_at)
    VALUES ($1, $2, $3, now());`

	selectRelayStateSQL = `SELECT message, sent_at FROM relay_state WHERE id = 1;`

	upsertRelayStateSQL = `INSERT INTO relay_state (id, message, sent_at, updated_at)
    VALUES (1, $1, $2, now())
    ON CONFLICT (id) DO UPDATE
    SET message    = EXCLUDED.message,
        sent_at    = EXCLUDED.sent_at,
        updated_at = EXCLUDED.updated_at;`

	selectImageSQL = `SELECT image FROM relay_state WHERE id = 1;`

	upsertImageSQL = `INSERT INTO relay_state (id, image, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET image      = EXCLUDED.image,
        updated_at = EXCLUDED.updated_at;`

	insertAlertSQL = `INSERT INTO alerts (
        exchange,
        instrument,
        old_price,
        new_price,
        percent_diff,
        minutes,
        message
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listRecentAlertsSQL = `SELECT
        id,
        exchange,
        instrument,
        old_price::TEXT,
        new_price::TEXT,
        percent_diff::TEXT,
        minutes,
        message,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore persists everything in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LoadHistories implements history.Persister.
func (s *PostgresStore) LoadHistories(ctx context.Context, namespace string) (map[string][]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, selectHistoriesSQL, namespace)
	if err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]decimal.Decimal)
	for rows.Next() {
		var (
			instrument string
			raw        []string
		)
		if err := rows.Scan(&instrument, &raw); err != nil {
			return nil, err
		}
		prices, err := parseDecimals(raw)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", instrument, err)
		}
		out[instrument] = prices
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// SaveHistories implements history.Persister; the namespace is replaced in one transaction.
func (s *PostgresStore) SaveHistories(ctx context.Context, namespace string, snapshot map[string][]decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteHistoriesSQL, namespace); err != nil {
			return fmt.Errorf("clear histories: %w", err)
		}

		batch := &pgx.Batch{}
		for instrument, prices := range snapshot {
			raw := make([]string, len(prices))
			for i, p := range prices {
				raw[i] = p.String()
			}
			batch.Queue(insertHistorySQL, namespace, instrument, raw)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert histories: %w", err)
		}
		return nil
	})
}

// LoadRelayState implements RelayStore.
func (s *PostgresStore) LoadRelayState(ctx context.Context) (RelayState, error) {
	pool, err := s.getPool()
	if err != nil {
		return RelayState{}, err
	}

	var (
		message *string
		sentAt  *int64
	)
	err = pool.QueryRow(ctx, selectRelayStateSQL).Scan(&message, &sentAt)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && sentAt == nil) {
		return RelayState{}, ErrNotFound
	}
	if err != nil {
		return RelayState{}, fmt.Errorf("load relay state: %w", err)
	}

	state := RelayState{Time: *sentAt}
	if message != nil {
		state.Message = *message
	}
	return state, nil
}

// SaveRelayState implements RelayStore.
func (s *PostgresStore) SaveRelayState(ctx context.Context, state RelayState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertRelayStateSQL, state.Message, state.Time); err != nil {
		return fmt.Errorf("save relay state: %w", err)
	}
	return nil
}

// LoadImage implements RelayStore.
func (s *PostgresStore) LoadImage(ctx context.Context) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var image []byte
	err = pool.QueryRow(ctx, selectImageSQL).Scan(&image)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && image == nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	return image, nil
}

// SaveImage implements RelayStore.
func (s *PostgresStore) SaveImage(ctx context.Context, image []byte) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertImageSQL, image); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

// RecordAlert implements AlertRecorder.
func (s *PostgresStore) RecordAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, insertAlertSQL,
		alert.Exchange,
		alert.Instrument,
		alert.OldPrice.String(),
		alert.NewPrice.String(),
		alert.PercentDiff.String(),
		alert.Minutes,
		alert.Message,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListRecentAlerts implements AlertRecorder.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                    AlertRecord
			oldStr, newStr, pctStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Exchange,
			&rec.Instrument,
			&oldStr,
			&newStr,
			&pctStr,
			&rec.Minutes,
			&rec.Message,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		values, err := parseDecimals([]string{oldStr, newStr, pctStr})
		if err != nil {
			return nil, fmt.Errorf("alert %d: %w", rec.ID, err)
		}
		rec.OldPrice, rec.NewPrice, rec.PercentDiff = values[0], values[1], values[2]
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func parseDecimals(raw []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

var (
	_ Backend        = (*PostgresStore)(nil)
	_ AlertRecorder  = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
