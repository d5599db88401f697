package ledger

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	reference   TEXT PRIMARY KEY,
	ref_kind    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	payer       TEXT NOT NULL DEFAULT '',
	signature   TEXT NOT NULL DEFAULT '',
	amount      INTEGER NOT NULL,
	token       TEXT NOT NULL,
	product_id  TEXT NOT NULL,
	product     TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	paid_at     TIMESTAMP,
	executed_at TIMESTAMP,
	expires_at  TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_signature
	ON runs(signature) WHERE signature != '';
CREATE INDEX IF NOT EXISTS idx_runs_status_product
	ON runs(status, product);

CREATE TABLE IF NOT EXISTS lottery_rounds (
	round_number INTEGER PRIMARY KEY,
	opened_at    TIMESTAMP NOT NULL,
	deadline     TIMESTAMP NOT NULL,
	finalized    INTEGER NOT NULL DEFAULT 0,
	pool         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lottery_entries (
	round_number  INTEGER NOT NULL,
	run_reference TEXT NOT NULL,
	payer         TEXT NOT NULL,
	amount        INTEGER NOT NULL,
	signature     TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (round_number, run_reference)
);

CREATE TABLE IF NOT EXISTS lottery_winners (
	round_number     INTEGER NOT NULL,
	rank             INTEGER NOT NULL,
	payer            TEXT NOT NULL,
	prize            INTEGER NOT NULL,
	payout_reference TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (round_number, rank)
);
`

const (
	insertRunQuery = `
		INSERT INTO runs (reference, ref_kind, status, amount, token, product_id, product, metadata, created_at, expires_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)`

	selectRunQuery = `
		SELECT reference, ref_kind, status, payer, signature, amount, token, product_id, product,
		       metadata, duration_ms, fail_reason, created_at, paid_at, executed_at, expires_at
		FROM runs WHERE reference = ?`

	markPaidQuery = `
		UPDATE runs SET status = 'paid', payer = ?, signature = ?, paid_at = ?
		WHERE reference = ? AND status = 'pending'`

	markExecutedQuery = `
		UPDATE runs SET status = 'executed', duration_ms = ?, executed_at = ?
		WHERE reference = ? AND status = 'paid'`

	recordDurationQuery = `
		UPDATE runs SET duration_ms = ?
		WHERE reference = ? AND status = 'executed'`

	markFailedQuery = `
		UPDATE runs SET status = 'failed', fail_reason = ?
		WHERE reference = ? AND status IN ('pending', 'paid', 'executed')`

	selectMetadataQuery = `SELECT metadata FROM runs WHERE reference = ?`
	updateMetadataQuery = `UPDATE runs SET metadata = ? WHERE reference = ?`

	insertRoundQuery = `
		INSERT INTO lottery_rounds (round_number, opened_at, deadline, finalized, pool)
		VALUES (?, ?, ?, 0, 0)`

	selectCurrentRoundQuery = `
		SELECT round_number, opened_at, deadline, finalized, pool
		FROM lottery_rounds WHERE finalized = 0
		ORDER BY round_number DESC LIMIT 1`

	selectMaxRoundQuery = `SELECT COALESCE(MAX(round_number), 0) FROM lottery_rounds`

	finalizeRoundQuery = `
		UPDATE lottery_rounds SET finalized = 1
		WHERE round_number = ? AND finalized = 0`

	insertEntryQuery = `
		INSERT INTO lottery_entries (round_number, run_reference, payer, amount, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	growPoolQuery = `
		UPDATE lottery_rounds SET pool = pool + ?
		WHERE round_number = ? AND finalized = 0`

	selectEntriesQuery = `
		SELECT run_reference, payer, amount, signature, created_at
		FROM lottery_entries WHERE round_number = ?
		ORDER BY created_at ASC, run_reference ASC`

	insertWinnerQuery = `
		INSERT INTO lottery_winners (round_number, rank, payer, prize, payout_reference)
		VALUES (?, ?, ?, ?, ?)`

	selectWinnersQuery = `
		SELECT rank, payer, prize, payout_reference
		FROM lottery_winners WHERE round_number = ?
		ORDER BY rank ASC`
)
