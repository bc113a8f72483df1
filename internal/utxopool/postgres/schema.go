package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pool_utxos (
	id BIGSERIAL PRIMARY KEY,

	txid TEXT NOT NULL,
	vout INTEGER NOT NULL,

	satoshis BIGINT NOT NULL CHECK (satoshis >= 0),
	locking_script BYTEA NOT NULL,
	address TEXT NOT NULL,

	purpose TEXT NOT NULL CHECK (purpose IN ('publish', 'funding', 'change')),
	status TEXT NOT NULL CHECK (status IN ('available', 'reserved', 'spent')),

	reserved_at TIMESTAMPTZ,
	reserved_until TIMESTAMPTZ,
	dirty BOOLEAN NOT NULL DEFAULT false,

	spent_at TIMESTAMPTZ,
	spent_by_txid TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	UNIQUE (txid, vout)
);

CREATE INDEX IF NOT EXISTS pool_utxos_select_idx
	ON pool_utxos (purpose, status, dirty, satoshis, created_at);
CREATE INDEX IF NOT EXISTS pool_utxos_lease_idx
	ON pool_utxos (reserved_until) WHERE status = 'reserved';
CREATE INDEX IF NOT EXISTS pool_utxos_funding_idx
	ON pool_utxos (satoshis DESC) WHERE purpose IN ('funding', 'change') AND status = 'available';
`
