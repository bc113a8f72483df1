package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nonces (
	signer_pubkey TEXT NOT NULL,
	nonce TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (signer_pubkey, nonce)
);

CREATE TABLE IF NOT EXISTS publish_jobs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE,

	record_id TEXT NOT NULL,
	body BYTEA NOT NULL,
	record_hash TEXT NOT NULL UNIQUE,
	signer_pubkey TEXT NOT NULL,

	status TEXT NOT NULL,

	ledger_txid TEXT,
	error_code TEXT,
	error_detail TEXT,

	batch_id TEXT,
	batch_seq INTEGER,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at TIMESTAMPTZ,
	sending_started_at TIMESTAMPTZ,

	CONSTRAINT record_hash_len CHECK (octet_length(record_hash) = 64),
	CONSTRAINT status_valid CHECK (status IN (
		'queued', 'processing', 'processing_batch', 'sending', 'sent', 'failed'
	))
);

CREATE INDEX IF NOT EXISTS publish_jobs_status_created_idx ON publish_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS publish_jobs_batch_idx ON publish_jobs (batch_id, batch_seq);
CREATE INDEX IF NOT EXISTS publish_jobs_sending_idx ON publish_jobs (sending_started_at) WHERE status = 'sending';
CREATE INDEX IF NOT EXISTS publish_jobs_record_id_idx ON publish_jobs (record_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	actor_pubkey TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	action TEXT NOT NULL,
	details JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS audit_events_resource_idx ON audit_events (resource_type, resource_id, created_at);
`
