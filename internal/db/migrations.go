package db

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id SERIAL PRIMARY KEY,
            property_id INT,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            id SERIAL PRIMARY KEY,
            conversation_id INT NOT NULL REFERENCES conversations(id),
            user_id INT NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(conversation_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            conversation_id INT NOT NULL REFERENCES conversations(id),
            sender_id INT NOT NULL,
            content TEXT NOT NULL CHECK (content <> ''),
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            client_message_id TEXT UNIQUE
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, id);`,
	`CREATE TABLE IF NOT EXISTS notifications (
            id SERIAL PRIMARY KEY,
            user_id INT NOT NULL,
            type TEXT NOT NULL,
            title TEXT NOT NULL,
            content TEXT NOT NULL,
            related_id INT,
            related_type TEXT,
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_read ON notifications(user_id, read);`,
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            property_id INTEGER,
            last_message_at DATETIME,
            created_at DATETIME NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            conversation_id INTEGER NOT NULL REFERENCES conversations(id),
            user_id INTEGER NOT NULL,
            joined_at DATETIME NOT NULL,
            UNIQUE(conversation_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            conversation_id INTEGER NOT NULL REFERENCES conversations(id),
            sender_id INTEGER NOT NULL,
            content TEXT NOT NULL CHECK (content <> ''),
            read BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            client_message_id TEXT UNIQUE
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, id);`,
	`CREATE TABLE IF NOT EXISTS notifications (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            type TEXT NOT NULL,
            title TEXT NOT NULL,
            content TEXT NOT NULL,
            related_id INTEGER,
            related_type TEXT,
            read BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_read ON notifications(user_id, read);`,
}
