package storage

// initSchema creates the database tables if they don't exist.
// All statements are idempotent so Open can be called on every startup.
func (c *Client) initSchema() error {
	if err := c.initUserSchema(); err != nil {
		return err
	}
	if err := c.initSessionSchema(); err != nil {
		return err
	}
	return c.initEventSchema()
}

func (c *Client) initUserSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'anonymous',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (c *Client) initSessionSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		task TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		num_turns INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		resume_id TEXT,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions(user_id, created_at DESC);
	`)
	return err
}

func (c *Client) initEventSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, event_type);
	`)
	return err
}
