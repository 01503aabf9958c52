package sqlite

const schema = `
-- Projects table
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY CHECK(length(id) <= 50),
    root_path TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Sessions table
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    branch TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    last_active_at DATETIME NOT NULL,
    state TEXT NOT NULL DEFAULT 'active' CHECK(state IN ('active', 'suspended', 'closed')),
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_project_state ON sessions(project_id, state);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);

-- Frames table
-- closed frames must carry closed_at; active frames must not
CREATE TABLE IF NOT EXISTS frames (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    parent_id TEXT,
    type TEXT NOT NULL,
    name TEXT NOT NULL CHECK(length(name) > 0 AND length(name) <= 200),
    state TEXT NOT NULL DEFAULT 'active' CHECK(state IN ('active', 'closed')),
    depth INTEGER NOT NULL DEFAULT 0,
    constraints TEXT NOT NULL DEFAULT '[]',
    definitions TEXT NOT NULL DEFAULT '{}',
    inputs TEXT NOT NULL DEFAULT '{}',
    outputs TEXT NOT NULL DEFAULT '{}',
    importance INTEGER NOT NULL DEFAULT 0,
    digest TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    CHECK (
        (state = 'closed' AND closed_at IS NOT NULL) OR
        (state = 'active' AND closed_at IS NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_frames_session_state ON frames(session_id, state);
CREATE INDEX IF NOT EXISTS idx_frames_project ON frames(project_id);
CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_id);
CREATE INDEX IF NOT EXISTS idx_frames_closed_at ON frames(closed_at);

-- Events table (append-only; rows are never rewritten)
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    frame_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (frame_id) REFERENCES frames(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_frame ON events(frame_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

-- Anchors table (pinned facts; never compressed away)
CREATE TABLE IF NOT EXISTS anchors (
    id TEXT PRIMARY KEY,
    frame_id TEXT NOT NULL,
    type TEXT NOT NULL,
    text TEXT NOT NULL CHECK(length(text) > 0 AND length(text) <= 4096),
    priority INTEGER NOT NULL DEFAULT 5 CHECK(priority >= 1 AND priority <= 10),
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (frame_id) REFERENCES frames(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_anchors_frame ON anchors(frame_id);
CREATE INDEX IF NOT EXISTS idx_anchors_priority ON anchors(priority DESC, created_at DESC);

-- Tasks table (companion store)
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK(length(title) > 0 AND length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'in_progress', 'blocked', 'completed', 'cancelled')),
    priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high', 'urgent')),
    tags TEXT NOT NULL DEFAULT '[]',
    parent_task_id TEXT,
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 100),
    external_system TEXT NOT NULL DEFAULT '',
    external_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

-- Task dependency edges
CREATE TABLE IF NOT EXISTS task_deps (
    task_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (task_id, depends_on_id),
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
    FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
);

-- Storage items (tier-layer records wrapping frame snapshots)
-- Only the tier manager mutates tier, blob and compression_type.
CREATE TABLE IF NOT EXISTS storage_items (
    id TEXT PRIMARY KEY,
    frame_id TEXT NOT NULL UNIQUE,
    tier TEXT NOT NULL DEFAULT 'young' CHECK(tier IN ('young', 'mature', 'old', 'archive')),
    blob BLOB NOT NULL,
    compression_type TEXT NOT NULL DEFAULT 'none' CHECK(compression_type IN ('none', 'lz4', 'zstd')),
    size_bytes INTEGER NOT NULL,
    importance INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    migrated_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_items_tier ON storage_items(tier);
CREATE INDEX IF NOT EXISTS idx_items_tier_importance ON storage_items(tier, importance);

-- Migration queue (FIFO per priority band; age sorts before size)
CREATE TABLE IF NOT EXISTS migration_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id TEXT NOT NULL,
    frame_id TEXT NOT NULL,
    band TEXT NOT NULL DEFAULT 'age' CHECK(band IN ('age', 'size', 'importance')),
    attempts INTEGER NOT NULL DEFAULT 0,
    not_before DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    lease_until DATETIME,
    claimed_by TEXT NOT NULL DEFAULT '',
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_queue_band ON migration_queue(band, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease ON migration_queue(lease_until);

-- Metadata table (schema version and other internal state)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Full-text index over frame names, event text and anchor text
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
    text,
    frame_id UNINDEXED,
    kind UNINDEXED,
    ref_id UNINDEXED,
    project_id UNINDEXED,
    session_id UNINDEXED
);
`
