package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS registered_signers (
	pubkey TEXT PRIMARY KEY,
	status SMALLINT NOT NULL,
	policy BYTEA,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT pubkey_len CHECK (octet_length(pubkey) = 66),
	CONSTRAINT status_range CHECK (status IN (1, 2))
);
`
