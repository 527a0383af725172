package backend

// Statements are applied one at a time at startup; all are safe to rerun.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS player (
		id      BIGINT PRIMARY KEY,
		level   INTEGER NOT NULL DEFAULT 0 CHECK (level BETWEEN 0 AND 65535),
		points  INTEGER NOT NULL DEFAULT 0 CHECK (points BETWEEN 0 AND 65535),
		stones  INTEGER NOT NULL DEFAULT 0 CHECK (stones BETWEEN 0 AND 65535),
		stamina INTEGER NOT NULL DEFAULT 0 CHECK (stamina BETWEEN 0 AND 65535),
		slots   INTEGER NOT NULL DEFAULT 0 CHECK (slots BETWEEN 0 AND 65535),
		version BIGINT  NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS card (
		id       BIGINT PRIMARY KEY,
		owner_id BIGINT  NOT NULL DEFAULT 0,
		type     INTEGER NOT NULL CHECK (type BETWEEN 0 AND 16777215),
		level    INTEGER NOT NULL DEFAULT 0 CHECK (level >= 0),
		xp       INTEGER NOT NULL DEFAULT 0 CHECK (xp BETWEEN 0 AND 16777215),
		version  BIGINT  NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS card_owner_idx ON card (owner_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS player (
		id      INTEGER PRIMARY KEY,
		level   INTEGER NOT NULL DEFAULT 0 CHECK (level BETWEEN 0 AND 65535),
		points  INTEGER NOT NULL DEFAULT 0 CHECK (points BETWEEN 0 AND 65535),
		stones  INTEGER NOT NULL DEFAULT 0 CHECK (stones BETWEEN 0 AND 65535),
		stamina INTEGER NOT NULL DEFAULT 0 CHECK (stamina BETWEEN 0 AND 65535),
		slots   INTEGER NOT NULL DEFAULT 0 CHECK (slots BETWEEN 0 AND 65535),
		version INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS card (
		id       INTEGER PRIMARY KEY,
		owner_id INTEGER NOT NULL DEFAULT 0,
		type     INTEGER NOT NULL CHECK (type BETWEEN 0 AND 16777215),
		level    INTEGER NOT NULL DEFAULT 0 CHECK (level >= 0),
		xp       INTEGER NOT NULL DEFAULT 0 CHECK (xp BETWEEN 0 AND 16777215),
		version  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS card_owner_idx ON card (owner_id)`,
}
