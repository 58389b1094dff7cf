package storage

// The schema is shared by SQLite and Postgres. Timestamps are unix seconds,
// amounts are satoshis.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallet (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		address TEXT NOT NULL,
		private_key TEXT NOT NULL,
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS utxo (
		txid TEXT NOT NULL,
		vout BIGINT NOT NULL,
		address TEXT NOT NULL,
		amount_satoshis BIGINT NOT NULL CHECK (amount_satoshis >= 0),
		script_pub_key TEXT NOT NULL,
		confirmations BIGINT NOT NULL DEFAULT 0,
		spent BOOLEAN NOT NULL DEFAULT FALSE,
		spent_by_txid TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (txid, vout)
	)`,
	`CREATE INDEX IF NOT EXISTS utxo_address_spent ON utxo (address, spent)`,
	`CREATE INDEX IF NOT EXISTS utxo_spent_by ON utxo (spent_by_txid)`,

	`CREATE TABLE IF NOT EXISTS "transaction" (
		txid TEXT PRIMARY KEY,
		recorded_at BIGINT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		raw_tx TEXT NOT NULL,
		decoded_tx TEXT NOT NULL,
		vout BIGINT NOT NULL,
		amount_satoshis BIGINT NOT NULL CHECK (amount_satoshis >= 0),
		fee_satoshis BIGINT NOT NULL DEFAULT 0,
		spent BOOLEAN NOT NULL DEFAULT FALSE,
		testnet BOOLEAN NOT NULL DEFAULT FALSE,
		user_id TEXT,
		idempotency_key TEXT UNIQUE
	)`,
	`CREATE INDEX IF NOT EXISTS transaction_user_window ON "transaction" (user_id, direction, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS treasury_user (
		user_id TEXT PRIMARY KEY,
		withdrawn_satoshis BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS treasury_balance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_balance_satoshis BIGINT NOT NULL,
		last_updated BIGINT NOT NULL
	)`,
}
