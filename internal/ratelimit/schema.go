package ratelimit

const postgresRuleSchema = `
CREATE TABLE IF NOT EXISTS rate_rule (
	command TEXT NOT NULL,
	scope TEXT NOT NULL,
	scope_value BIGINT NOT NULL,
	limit_count BIGINT NOT NULL,
	period_ms BIGINT NOT NULL,
	PRIMARY KEY (command, scope, scope_value)
);
`

const postgresEventSchema = `
CREATE TABLE IF NOT EXISTS rate_event (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	chat_id BIGINT NOT NULL,
	command TEXT NOT NULL,
	issued_at_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS rate_event_command_issued ON rate_event (command, issued_at_ms);
CREATE INDEX IF NOT EXISTS rate_event_chat_command_issued ON rate_event (chat_id, command, issued_at_ms);
CREATE INDEX IF NOT EXISTS rate_event_user_command_issued ON rate_event (user_id, command, issued_at_ms);
`

const sqliteRuleSchema = `
CREATE TABLE IF NOT EXISTS rate_rule (
	command TEXT NOT NULL,
	scope TEXT NOT NULL,
	scope_value INTEGER NOT NULL,
	limit_count INTEGER NOT NULL,
	period_ms INTEGER NOT NULL,
	PRIMARY KEY (command, scope, scope_value)
);
`

const sqliteEventSchema = `
CREATE TABLE IF NOT EXISTS rate_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	chat_id INTEGER NOT NULL,
	command TEXT NOT NULL,
	issued_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS rate_event_command_issued ON rate_event (command, issued_at_ms);
CREATE INDEX IF NOT EXISTS rate_event_chat_command_issued ON rate_event (chat_id, command, issued_at_ms);
CREATE INDEX IF NOT EXISTS rate_event_user_command_issued ON rate_event (user_id, command, issued_at_ms);
`
