// Package store persists transactions, their audit trail and
// idempotency records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	synccash "github.com/synccash/orchestrator"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	external_reference TEXT NOT NULL UNIQUE,
	user_id            TEXT NOT NULL,
	type               TEXT NOT NULL,
	amount             INTEGER NOT NULL,
	currency           TEXT NOT NULL,
	recipient_phone    TEXT NOT NULL,
	recipient_name     TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	provider           TEXT NOT NULL DEFAULT '',
	provider_tx_id     TEXT NOT NULL DEFAULT '',
	provider_reference TEXT NOT NULL DEFAULT '',
	original_id        TEXT NOT NULL DEFAULT '',
	risk_score         REAL NOT NULL DEFAULT 0,
	risk_level         TEXT NOT NULL DEFAULT '',
	cross_network      INTEGER NOT NULL DEFAULT 0,
	failure_code       TEXT NOT NULL DEFAULT '',
	failure_reason     TEXT NOT NULL DEFAULT '',
	attempts           TEXT NOT NULL DEFAULT '[]',
	metadata           TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	expires_at         TEXT NOT NULL,
	confirmed_at       TEXT,
	cancelled_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_transactions_provider_tx
	ON transactions(provider_tx_id) WHERE provider_tx_id != '';
CREATE INDEX IF NOT EXISTS idx_transactions_expiry
	ON transactions(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_transactions_user
	ON transactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS transaction_events (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	type           TEXT NOT NULL,
	from_status    TEXT NOT NULL DEFAULT '',
	to_status      TEXT NOT NULL DEFAULT '',
	provider       TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	data           TEXT NOT NULL DEFAULT '{}',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_transaction
	ON transaction_events(transaction_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key            TEXT PRIMARY KEY,
	request_hash   TEXT NOT NULL,
	state          TEXT NOT NULL,
	response       BLOB,
	attempt_count  INTEGER NOT NULL DEFAULT 1,
	transaction_id TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	expires_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry
	ON idempotency_records(expires_at);
`

// SQLiteStore implements synccash.TransactionStore on a local SQLite
// database. SQLite serialises writers, which is what makes the
// conditional status update atomic.
type SQLiteStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// Open opens (creating if necessary) the database at path and applies
// the schema
func Open(path string, newID func() string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now, newID: newID}, nil
}

var _ synccash.TransactionStore = (*SQLiteStore)(nil)

// Close closes the underlying database
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SetClock replaces the time source, for tests
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateTransaction inserts a new row. Inserting an id that already
// exists is an error; ids are generated, never supplied by clients.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *synccash.Transaction) error {
	attempts, err := json.Marshal(tx.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if tx.Attempts == nil {
		attempts = []byte("[]")
	}
	if tx.Metadata == nil {
		metadata = []byte("{}")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, external_reference, user_id, type, amount, currency,
			recipient_phone, recipient_name, description, status,
			provider, provider_tx_id, provider_reference, original_id,
			risk_score, risk_level, cross_network, failure_code,
			failure_reason, attempts, metadata, created_at, updated_at,
			expires_at, confirmed_at, cancelled_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		tx.ID, tx.ExternalReference, tx.UserID, string(tx.Type), int64(tx.Amount), tx.Currency,
		tx.RecipientPhone, tx.RecipientName, tx.Description, string(tx.Status),
		string(tx.Provider), tx.ProviderTxID, tx.ProviderReference, tx.OriginalID,
		tx.RiskScore, tx.RiskLevel, boolInt(tx.CrossNetwork), tx.FailureCode,
		tx.FailureReason, string(attempts), string(metadata),
		fmtTime(tx.CreatedAt), fmtTime(tx.UpdatedAt), fmtTime(tx.ExpiresAt),
		nullTime(tx.ConfirmedAt), nullTime(tx.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return synccash.NewError(synccash.KindUnknown, "duplicate_id", fmt.Sprintf("transaction %s already exists", tx.ID))
	}
	return nil
}

const txColumns = `id, external_reference, user_id, type, amount, currency,
	recipient_phone, recipient_name, description, status, provider,
	provider_tx_id, provider_reference, original_id, risk_score,
	risk_level, cross_network, failure_code, failure_reason, attempts,
	metadata, created_at, updated_at, expires_at, confirmed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*synccash.Transaction, error) {
	var (
		tx                              synccash.Transaction
		typ, status, provider           string
		amount                          int64
		crossNetwork                    int
		attempts, metadata              string
		createdAt, updatedAt, expiresAt string
		confirmedAt, cancelledAt        sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.ExternalReference, &tx.UserID, &typ, &amount, &tx.Currency,
		&tx.RecipientPhone, &tx.RecipientName, &tx.Description, &status, &provider,
		&tx.ProviderTxID, &tx.ProviderReference, &tx.OriginalID, &tx.RiskScore,
		&tx.RiskLevel, &crossNetwork, &tx.FailureCode, &tx.FailureReason, &attempts,
		&metadata, &createdAt, &updatedAt, &expiresAt, &confirmedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Type = synccash.TransactionType(typ)
	tx.Status = synccash.Status(status)
	tx.Provider = synccash.Provider(provider)
	tx.Amount = synccash.Amount(amount)
	tx.CrossNetwork = crossNetwork != 0
	if err := json.Unmarshal([]byte(attempts), &tx.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &tx.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	tx.ExpiresAt = parseTime(expiresAt)
	if confirmedAt.Valid {
		t := parseTime(confirmedAt.String)
		tx.ConfirmedAt = &t
	}
	if cancelledAt.Valid {
		t := parseTime(cancelledAt.String)
		tx.CancelledAt = &t
	}
	return &tx, nil
}

// GetTransaction loads one transaction by id
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*synccash.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, synccash.NewError(synccash.KindNotFound, "", fmt.Sprintf("transaction %s not found", id))
	}
	return tx, err
}

// GetByProviderTxID loads the transaction carrying a provider's
// reference, as reported in webhooks
func (s *SQLiteStore) GetByProviderTxID(ctx context.Context, providerTxID string) (*synccash.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE provider_tx_id = ?`, providerTxID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, synccash.NewError(synccash.KindNotFound, "", fmt.Sprintf("no transaction for provider reference %s", providerTxID))
	}
	return tx, err
}

// Transition applies one conditional status change and records its
// audit event in the same database transaction. A row whose status is
// no longer `from` yields concurrent_transition and no write.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from synccash.Status, upd synccash.TransitionUpdate) error {
	if !synccash.TransitionValid(from, upd.To) {
		return synccash.NewError(synccash.KindInvalidStatusTransition, "",
			fmt.Sprintf("illegal transition %s -> %s", from, upd.To))
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer dbtx.Rollback()

	now := s.now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(upd.To), fmtTime(now)}

	if upd.Provider != "" {
		set = append(set, "provider = ?")
		args = append(args, string(upd.Provider))
	}
	if upd.ProviderTxID != "" {
		set = append(set, "provider_tx_id = ?")
		args = append(args, upd.ProviderTxID)
	}
	if upd.ProviderReference != "" {
		set = append(set, "provider_reference = ?")
		args = append(args, upd.ProviderReference)
	}
	if upd.FailureCode != "" {
		set = append(set, "failure_code = ?")
		args = append(args, upd.FailureCode)
	}
	if upd.FailureReason != "" {
		set = append(set, "failure_reason = ?")
		args = append(args, upd.FailureReason)
	}
	if upd.CrossNetwork {
		set = append(set, "cross_network = 1")
	}
	if upd.ConfirmedAt != nil {
		set = append(set, "confirmed_at = ?")
		args = append(args, fmtTime(*upd.ConfirmedAt))
	}
	if upd.CancelledAt != nil {
		set = append(set, "cancelled_at = ?")
		args = append(args, fmtTime(*upd.CancelledAt))
	}
	if upd.Attempts != nil {
		encoded, err := json.Marshal(upd.Attempts)
		if err != nil {
			return fmt.Errorf("encode attempts: %w", err)
		}
		set = append(set, "attempts = ?")
		args = append(args, string(encoded))
	}
	args = append(args, id, string(from))

	res, err := dbtx.ExecContext(ctx,
		`UPDATE transactions SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := dbtx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM transactions WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return synccash.NewError(synccash.KindNotFound, "", fmt.Sprintf("transaction %s not found", id))
		}
		return synccash.NewError(synccash.KindConcurrentTransition, "",
			fmt.Sprintf("transaction %s is no longer %s", id, from))
	}

	ev := synccash.Event{
		ID:            s.newID(),
		TransactionID: id,
		Type:          synccash.EventStatusChange,
		From:          from,
		To:            upd.To,
		Provider:      upd.Provider,
		Reason:        upd.Reason,
		Data:          upd.EventData,
		CreatedAt:     now,
	}
	if err := insertEvent(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev synccash.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	if ev.Data == nil {
		data = []byte("{}")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO transaction_events (id, transaction_id, type, from_status, to_status, provider, reason, data, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.TransactionID, ev.Type, string(ev.From), string(ev.To),
		string(ev.Provider), ev.Reason, string(data), fmtTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordDispatch persists the retry engine's attempt audit and the
// winning provider's references. Status is deliberately untouched so
// a webhook that already advanced the row is never clobbered.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, id string, provider synccash.Provider, providerTxID, providerReference string, attempts []synccash.Attempt) error {
	encoded, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	if attempts == nil {
		encoded = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET provider = ?, provider_tx_id = ?, provider_reference = ?, attempts = ?, updated_at = ?
		WHERE id = ?`,
		string(provider), providerTxID, providerReference, string(encoded), fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return synccash.NewError(synccash.KindNotFound, "", fmt.Sprintf("transaction %s not found", id))
	}
	for _, a := range attempts {
		ev := synccash.Event{
			ID:            s.newID(),
			TransactionID: id,
			Type:          synccash.EventAttempt,
			Provider:      a.Provider,
			Reason:        a.Outcome,
			Data: map[string]string{
				"number":      fmt.Sprintf("%d", a.Number),
				"duration_ms": fmt.Sprintf("%d", a.Duration.Milliseconds()),
				"error_code":  a.ErrorCode,
			},
			CreatedAt: s.now(),
		}
		if err := insertEvent(ctx, s.db, ev); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent records an audit event outside a status change, such as
// a late callback on a terminal transaction
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev synccash.Event) error {
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	return insertEvent(ctx, s.db, ev)
}

// ListEvents returns a transaction's audit log in order
func (s *SQLiteStore) ListEvents(ctx context.Context, transactionID string) ([]synccash.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, type, from_status, to_status, provider, reason, data, created_at
		FROM transaction_events WHERE transaction_id = ? ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []synccash.Event
	for rows.Next() {
		var (
			ev             synccash.Event
			from, to, prov string
			data, created  string
		)
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Type, &from, &to, &prov, &ev.Reason, &data, &created); err != nil {
			return nil, err
		}
		ev.From = synccash.Status(from)
		ev.To = synccash.Status(to)
		ev.Provider = synccash.Provider(prov)
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		ev.CreatedAt = parseTime(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListExpired returns up to limit non-terminal transactions whose
// expires_at is in the past
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*synccash.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status IN (?, ?) AND expires_at < ?
		ORDER BY expires_at LIMIT ?`,
		string(synccash.StatusPending), string(synccash.StatusProcessing), fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*synccash.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
