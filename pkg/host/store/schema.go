package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS launch_queue (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	instance_type TEXT NOT NULL,
	ami_id TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_launch_queue_status ON launch_queue(status, created_at);

CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	region TEXT NOT NULL,
	public_ip TEXT NOT NULL,
	ssh_username TEXT NOT NULL,
	ssh_connection_string TEXT NOT NULL,
	key_name TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	terminate_requested INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_user ON instances(user_id);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	is_ready INTEGER NOT NULL DEFAULT 0,
	ready_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS terminated_instances (
	instance_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	terminated_at INTEGER NOT NULL,
	artifacts_backed_up INTEGER NOT NULL,
	artifact_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_terminated_user_ts ON terminated_instances(user_id, terminated_at DESC);
`

// postgresSchema also installs triggers that publish row changes on the
// spire_events channel as {"table", "op", "id"}.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS launch_queue (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	instance_type TEXT NOT NULL,
	ami_id TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_launch_queue_status ON launch_queue(status, created_at);

CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	region TEXT NOT NULL,
	public_ip TEXT NOT NULL,
	ssh_username TEXT NOT NULL,
	ssh_connection_string TEXT NOT NULL,
	key_name TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	terminate_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_user ON instances(user_id);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	is_ready BOOLEAN NOT NULL DEFAULT FALSE,
	ready_at BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS terminated_instances (
	instance_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	terminated_at BIGINT NOT NULL,
	artifacts_backed_up BOOLEAN NOT NULL,
	artifact_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_terminated_user_ts ON terminated_instances(user_id, terminated_at DESC);

CREATE OR REPLACE FUNCTION spire_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('spire_events', json_build_object(
		'table', TG_TABLE_NAME,
		'op', TG_OP,
		'id', to_jsonb(NEW) ->> TG_ARGV[0]
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS launch_queue_notify ON launch_queue;
CREATE TRIGGER launch_queue_notify
	AFTER INSERT ON launch_queue
	FOR EACH ROW EXECUTE FUNCTION spire_notify('id');

DROP TRIGGER IF EXISTS instances_notify ON instances;
CREATE TRIGGER instances_notify
	AFTER INSERT OR UPDATE OF terminate_requested ON instances
	FOR EACH ROW EXECUTE FUNCTION spire_notify('instance_id');
`
