package protocol

// SchemaDDL defines the SQLite schema for the callctl daemon database.
// Tables: agents (registry), events (lifecycle log).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Agent registry: declared configuration plus the current deployment pointer
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    agent_type TEXT NOT NULL,
    name TEXT NOT NULL,
    personality TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    dispatch_id TEXT,
    room_name TEXT,
    deployment_status TEXT NOT NULL DEFAULT 'not_deployed',
    deployed_at TEXT,
    deployment_metadata TEXT
);

CREATE INDEX IF NOT EXISTS agents_created_at ON agents(created_at);

-- Lifecycle event log: supervisor, dispatch and call-session transitions
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    agent_id TEXT,
    room_name TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS events_agent ON events(agent_id, id);
`

// MigrateDeploymentColumns adds the deployment columns to agents tables
// created before dispatch support. Each statement errors if the column
// already exists; callers run them one by one and ignore failures.
var MigrateDeploymentColumns = []string{ //nolint:gochecknoglobals // static migration list
	`ALTER TABLE agents ADD COLUMN dispatch_id TEXT`,
	`ALTER TABLE agents ADD COLUMN room_name TEXT`,
	`ALTER TABLE agents ADD COLUMN deployment_status TEXT NOT NULL DEFAULT 'not_deployed'`,
	`ALTER TABLE agents ADD COLUMN deployed_at TEXT`,
	`ALTER TABLE agents ADD COLUMN deployment_metadata TEXT`,
}
