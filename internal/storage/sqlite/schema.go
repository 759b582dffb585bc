package sqlite

// schema is the base relational shape. It is idempotent; structural
// changes after release belong in migrations.go.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slug TEXT NOT NULL UNIQUE,
    human_key TEXT NOT NULL,
    created_ts TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name TEXT NOT NULL COLLATE NOCASE,
    program TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    task_description TEXT NOT NULL DEFAULT '',
    inception_ts TEXT NOT NULL,
    last_active_ts TEXT NOT NULL,
    attachments_policy TEXT NOT NULL DEFAULT 'auto'
        CHECK (attachments_policy IN ('auto', 'inline', 'file')),
    contact_policy TEXT NOT NULL DEFAULT 'auto'
        CHECK (contact_policy IN ('open', 'auto', 'contacts_only', 'block_all')),
    UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    sender_id INTEGER NOT NULL REFERENCES agents(id),
    thread_id TEXT,
    subject TEXT NOT NULL,
    body_md TEXT NOT NULL,
    importance TEXT NOT NULL DEFAULT 'normal'
        CHECK (importance IN ('low', 'normal', 'high', 'urgent')),
    ack_required INTEGER NOT NULL DEFAULT 0,
    attachments TEXT NOT NULL DEFAULT '[]',
    created_ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_project_created
    ON messages(project_id, created_ts DESC);
CREATE INDEX IF NOT EXISTS idx_messages_project_thread
    ON messages(project_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_sender
    ON messages(sender_id, created_ts DESC);

CREATE TABLE IF NOT EXISTS message_recipients (
    message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    kind TEXT NOT NULL DEFAULT 'to' CHECK (kind IN ('to', 'cc', 'bcc')),
    read_ts TEXT,
    ack_ts TEXT,
    PRIMARY KEY (message_id, agent_id)
);

CREATE INDEX IF NOT EXISTS idx_recipients_agent
    ON message_recipients(agent_id, read_ts);

CREATE TABLE IF NOT EXISTS file_reservations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    path_pattern TEXT NOT NULL,
    exclusive INTEGER NOT NULL DEFAULT 1,
    reason TEXT NOT NULL DEFAULT '',
    created_ts TEXT NOT NULL,
    expires_ts TEXT NOT NULL,
    released_ts TEXT
);

CREATE INDEX IF NOT EXISTS idx_reservations_project_active
    ON file_reservations(project_id, released_ts, expires_ts);
CREATE INDEX IF NOT EXISTS idx_reservations_agent
    ON file_reservations(agent_id);

CREATE TABLE IF NOT EXISTS agent_links (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    a_project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    a_agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    b_project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    b_agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'approved', 'blocked')),
    reason TEXT NOT NULL DEFAULT '',
    created_ts TEXT NOT NULL,
    updated_ts TEXT NOT NULL,
    expires_ts TEXT,
    UNIQUE (a_agent_id, b_agent_id)
);

CREATE INDEX IF NOT EXISTS idx_links_a
    ON agent_links(a_project_id, a_agent_id, status);

CREATE TABLE IF NOT EXISTS project_sibling_suggestions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    sibling_project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    score REAL NOT NULL DEFAULT 0,
    rationale TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'suggested'
        CHECK (status IN ('suggested', 'confirmed', 'dismissed')),
    created_ts TEXT NOT NULL,
    updated_ts TEXT NOT NULL,
    UNIQUE (project_id, sibling_project_id)
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_ts TEXT NOT NULL
);
`
