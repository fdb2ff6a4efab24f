package store

// schemaSQL is the DDL for the base schema.
const schemaSQL = `
-- One row per redaction task. record holds the full task as JSON; the
-- other columns are copies kept for filtering.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    batch_id TEXT,
    state TEXT NOT NULL,
    input_path TEXT NOT NULL,
    method TEXT,
    progress REAL DEFAULT 0,
    record JSON NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`
