package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
)

// SQLiteStore implements Store on a single SQLite database in WAL mode.
// Conditional updates give cross-process transition safety; WAL keeps the
// poller's reads from blocking writers.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("run ledger opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *blink402.Run) error {
	if run.Reference.IsZero() {
		return &blink402.ValidationError{Field: "reference", Msg: "reference is required"}
	}
	if run.Amount == 0 {
		return &blink402.ValidationError{Field: "amount", Msg: "must be greater than zero"}
	}

	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertRunQuery,
		run.Reference.Value, string(run.Reference.Kind),
		run.Amount, run.Token, run.ProductID, string(run.Product),
		string(metaJSON), run.CreatedAt.UTC(), run.ExpiresAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, reference string) (*blink402.Run, error) {
	row := s.db.QueryRowContext(ctx, selectRunQuery, reference)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*blink402.Run, error) {
	var (
		run      blink402.Run
		kind     string
		status   string
		product  string
		metaJSON string
		paidAt   sql.NullTime
		execAt   sql.NullTime
	)
	err := row.Scan(&run.Reference.Value, &kind, &status, &run.Payer, &run.Signature,
		&run.Amount, &run.Token, &run.ProductID, &product,
		&metaJSON, &run.DurationMs, &run.FailReason,
		&run.CreatedAt, &paidAt, &execAt, &run.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Reference.Kind = blink402.ReferenceKind(kind)
	run.Status = blink402.RunStatus(status)
	run.Product = blink402.ProductType(product)
	if paidAt.Valid {
		t := paidAt.Time
		run.PaidAt = &t
	}
	if execAt.Valid {
		t := execAt.Time
		run.ExecutedAt = &t
	}
	if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse run metadata: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) MarkPaid(ctx context.Context, reference, payer, signature string) error {
	if signature == "" {
		return &blink402.ValidationError{Field: "signature", Msg: "signature is required"}
	}

	res, err := s.db.ExecContext(ctx, markPaidQuery, payer, signature, time.Now().UTC(), reference)
	if err != nil {
		if isUniqueViolation(err) {
			// Signature already settles some other run.
			return ErrSignatureConflict
		}
		return fmt.Errorf("failed to mark run paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// No pending row matched. Inspect the run to decide between idempotent
	// repeat, signature conflict and invalid transition.
	run, err := s.GetRun(ctx, reference)
	if err != nil {
		return err
	}
	switch run.Status {
	case blink402.StatusPaid, blink402.StatusExecuted:
		if run.Signature == signature {
			return nil
		}
		return ErrSignatureConflict
	default:
		return fmt.Errorf("%w: cannot pay run in status %s", ErrInvalidTransition, run.Status)
	}
}

func (s *SQLiteStore) MarkExecuted(ctx context.Context, reference string, durationMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, markExecutedQuery, durationMs, time.Now().UTC(), reference)
	if err != nil {
		return false, fmt.Errorf("failed to mark run executed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	run, err := s.GetRun(ctx, reference)
	if err != nil {
		return false, err
	}
	if run.Status == blink402.StatusExecuted {
		// Another caller won the transition.
		return false, nil
	}
	return false, fmt.Errorf("%w: cannot execute run in status %s", ErrInvalidTransition, run.Status)
}

func (s *SQLiteStore) RecordDuration(ctx context.Context, reference string, durationMs int64) error {
	res, err := s.db.ExecContext(ctx, recordDurationQuery, durationMs, reference)
	if err != nil {
		return fmt.Errorf("failed to record duration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, reference, reason string) error {
	res, err := s.db.ExecContext(ctx, markFailedQuery, reason, reference)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	run, err := s.GetRun(ctx, reference)
	if err != nil {
		return err
	}
	if run.Status == blink402.StatusFailed {
		return nil
	}
	return fmt.Errorf("%w: cannot fail run in status %s", ErrInvalidTransition, run.Status)
}

func (s *SQLiteStore) AppendMetadata(ctx context.Context, reference string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metaJSON string
	if err := tx.QueryRowContext(ctx, selectMetadataQuery, reference).Scan(&metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	for k, v := range kv {
		if existing, ok := metadata[k]; ok && existing != v {
			return fmt.Errorf("%w: key %q", ErrMetadataImmutable, k)
		}
		metadata[k] = v
	}

	merged, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateMetadataQuery, string(merged), reference); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return tx.Commit()
}

func productPlaceholders(products []blink402.ProductType) (string, []any) {
	marks := make([]string, len(products))
	args := make([]any, len(products))
	for i, p := range products {
		marks[i] = "?"
		args[i] = string(p)
	}
	return strings.Join(marks, ", "), args
}

func (s *SQLiteStore) PendingCandidates(ctx context.Context, products []blink402.ProductType, minAge, maxAge time.Duration) ([]*blink402.Run, error) {
	if len(products) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	marks, args := productPlaceholders(products)
	query := fmt.Sprintf(`
		SELECT reference, ref_kind, status, payer, signature, amount, token, product_id, product,
		       metadata, duration_ms, fail_reason, created_at, paid_at, executed_at, expires_at
		FROM runs
		WHERE status = 'pending'
		  AND product IN (%s)
		  AND created_at <= ?
		  AND created_at >= ?
		  AND expires_at > ?
		ORDER BY created_at ASC`, marks)
	args = append(args, now.Add(-minAge), now.Add(-maxAge), now)
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStore) PaidUnexecuted(ctx context.Context, products []blink402.ProductType) ([]*blink402.Run, error) {
	if len(products) == 0 {
		return nil, nil
	}
	marks, args := productPlaceholders(products)
	query := fmt.Sprintf(`
		SELECT reference, ref_kind, status, payer, signature, amount, token, product_id, product,
		       metadata, duration_ms, fail_reason, created_at, paid_at, executed_at, expires_at
		FROM runs
		WHERE status = 'paid' AND product IN (%s)
		ORDER BY paid_at ASC`, marks)
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*blink402.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*blink402.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) CurrentRound(ctx context.Context) (*Round, error) {
	return scanRound(s.db.QueryRowContext(ctx, selectCurrentRoundQuery))
}

func scanRound(row rowScanner) (*Round, error) {
	var (
		round     Round
		finalized int
	)
	err := row.Scan(&round.Number, &round.OpenedAt, &round.Deadline, &finalized, &round.Pool)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan round: %w", err)
	}
	round.Finalized = finalized != 0
	return &round, nil
}

func (s *SQLiteStore) OpenRound(ctx context.Context, window time.Duration) (*Round, error) {
	current, err := s.CurrentRound(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var maxRound int64
	if err := s.db.QueryRowContext(ctx, selectMaxRoundQuery).Scan(&maxRound); err != nil {
		return nil, fmt.Errorf("failed to find latest round: %w", err)
	}

	now := time.Now().UTC()
	round := &Round{
		Number:   maxRound + 1,
		OpenedAt: now,
		Deadline: now.Add(window),
	}
	if _, err := s.db.ExecContext(ctx, insertRoundQuery, round.Number, round.OpenedAt, round.Deadline); err != nil {
		if isUniqueViolation(err) {
			// Another opener raced us; return whatever is open now.
			return s.CurrentRound(ctx)
		}
		return nil, fmt.Errorf("failed to open round: %w", err)
	}
	s.logger.Info("lottery round opened",
		zap.Int64("round", round.Number),
		zap.Time("deadline", round.Deadline))
	return round, nil
}

func (s *SQLiteStore) RecordEntry(ctx context.Context, roundNumber int64, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, growPoolQuery, entry.Amount, roundNumber)
	if err != nil {
		return fmt.Errorf("failed to grow pool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrRoundFinalized
	}

	if _, err := tx.ExecContext(ctx, insertEntryQuery,
		roundNumber, entry.RunReference, entry.Payer, entry.Amount,
		entry.Signature, entry.CreatedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			// Entry already recorded for this run; keep the first record.
			return nil
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) FinalizeRound(ctx context.Context, roundNumber int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, finalizeRoundQuery, roundNumber)
	if err != nil {
		return false, fmt.Errorf("failed to finalize round: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) RoundEntries(ctx context.Context, roundNumber int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntriesQuery, roundNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunReference, &e.Payer, &e.Amount, &e.Signature, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) RecordWinners(ctx context.Context, roundNumber int64, winners []Winner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range winners {
		if _, err := tx.ExecContext(ctx, insertWinnerQuery,
			roundNumber, w.Rank, w.Payer, w.Prize, w.PayoutReference); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return fmt.Errorf("failed to record winner: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RoundWinners(ctx context.Context, roundNumber int64) ([]Winner, error) {
	rows, err := s.db.QueryContext(ctx, selectWinnersQuery, roundNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query winners: %w", err)
	}
	defer rows.Close()

	var winners []Winner
	for rows.Next() {
		var w Winner
		if err := rows.Scan(&w.Rank, &w.Payer, &w.Prize, &w.PayoutReference); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		winners = append(winners, w)
	}
	return winners, rows.Err()
}
