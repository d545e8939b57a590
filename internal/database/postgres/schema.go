package postgres

// schema creates the tables powgate reads and writes. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS rewards (
	id         BIGSERIAL PRIMARY KEY,
	text       TEXT        NOT NULL CHECK (length(text) <= 65536),
	is_active  BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attempts (
	id          BIGSERIAL PRIMARY KEY,
	session_id  UUID             NOT NULL UNIQUE,
	remote_addr TEXT             NOT NULL,
	difficulty  SMALLINT         NOT NULL,
	outcome     TEXT             NOT NULL,
	verdict     TEXT,
	reward_sent BOOLEAN          NOT NULL,
	stage       TEXT             NOT NULL,
	error       TEXT,
	bytes_in    BIGINT           NOT NULL,
	bytes_out   BIGINT           NOT NULL,
	duration_ms DOUBLE PRECISION NOT NULL,
	started_at  TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS attempts_started_at_idx ON attempts (started_at);
`
