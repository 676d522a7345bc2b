package store

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  workspace_id TEXT NOT NULL,
  project_path TEXT NOT NULL DEFAULT '',
  project_name TEXT NOT NULL DEFAULT '',
  workspace_name TEXT NOT NULL DEFAULT '',
  parent_workspace_id TEXT,
  agent_id TEXT NOT NULL DEFAULT '',
  ts INTEGER,
  day TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  thinking_level TEXT NOT NULL DEFAULT '',
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  reasoning_tokens INTEGER NOT NULL DEFAULT 0,
  cached_tokens INTEGER NOT NULL DEFAULT 0,
  cache_create_tokens INTEGER NOT NULL DEFAULT 0,
  input_cost_usd REAL NOT NULL DEFAULT 0,
  output_cost_usd REAL NOT NULL DEFAULT 0,
  reasoning_cost_usd REAL NOT NULL DEFAULT 0,
  cached_cost_usd REAL NOT NULL DEFAULT 0,
  cache_create_cost_usd REAL NOT NULL DEFAULT 0,
  duration_ms INTEGER,
  ttft_ms INTEGER,
  response_index INTEGER NOT NULL,
  is_sub_agent INTEGER NOT NULL DEFAULT 0,
  UNIQUE (workspace_id, response_index)
);

CREATE TABLE IF NOT EXISTS ingest_watermarks (
  workspace_id TEXT PRIMARY KEY,
  last_sequence INTEGER NOT NULL,
  last_modified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delegation_rollups (
  parent_workspace_id TEXT NOT NULL,
  child_workspace_id TEXT NOT NULL,
  agent_type TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  total_tokens INTEGER NOT NULL DEFAULT 0,
  context_tokens INTEGER NOT NULL DEFAULT 0,
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  cached_tokens INTEGER NOT NULL DEFAULT 0,
  cache_create_tokens INTEGER NOT NULL DEFAULT 0,
  total_cost_usd REAL,
  report_token_estimate INTEGER NOT NULL DEFAULT 0,
  rolled_up_at INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (parent_workspace_id, child_workspace_id)
);

CREATE INDEX IF NOT EXISTS idx_events_workspace ON events (workspace_id, response_index);
CREATE INDEX IF NOT EXISTS idx_events_day ON events (day);
CREATE INDEX IF NOT EXISTS idx_events_model ON events (model, day);
`
