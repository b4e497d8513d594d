package acl

const postgresSchema = `
CREATE TABLE IF NOT EXISTS command_policy (
	command TEXT PRIMARY KEY,
	default_allow BOOLEAN NOT NULL DEFAULT FALSE,
	deny_message TEXT
);

CREATE TABLE IF NOT EXISTS acl_entry (
	command TEXT NOT NULL,
	list_type TEXT NOT NULL,
	value TEXT NOT NULL,
	reason TEXT,
	PRIMARY KEY (command, list_type, value)
);

CREATE INDEX IF NOT EXISTS acl_entry_command_list_type ON acl_entry (command, list_type);

CREATE TABLE IF NOT EXISTS user_role (
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (user_id, role)
);

CREATE INDEX IF NOT EXISTS user_role_user_id ON user_role (user_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS command_policy (
	command TEXT PRIMARY KEY,
	default_allow INTEGER NOT NULL DEFAULT 0,
	deny_message TEXT
);

CREATE TABLE IF NOT EXISTS acl_entry (
	command TEXT NOT NULL,
	list_type TEXT NOT NULL,
	value TEXT NOT NULL,
	reason TEXT,
	PRIMARY KEY (command, list_type, value)
);

CREATE INDEX IF NOT EXISTS acl_entry_command_list_type ON acl_entry (command, list_type);

CREATE TABLE IF NOT EXISTS user_role (
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (user_id, role)
);

CREATE INDEX IF NOT EXISTS user_role_user_id ON user_role (user_id);
`
