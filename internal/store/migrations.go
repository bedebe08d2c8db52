package store

import (
	"database/sql"
	"fmt"
)

// DBSchemaVersion is the current database schema version.
// Bump this when adding migrations that change the schema.
const DBSchemaVersion = 1

// downMigrations maps a version to the SQL needed to reverse it.
// Version N's entry undoes the changes introduced when migrating from N-1
// to N. Additive changes need no entry, only the version reset.
var downMigrations = map[int][]string{
	// Version 1 is the baseline schema; nothing to reverse.
}

// migrations is an ordered list of idempotent SQL statements applied to the
// database.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL DEFAULT '',
		profile_url TEXT NOT NULL DEFAULT '',
		avatar_url  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL DEFAULT (datetime('now'))
	)`,

	`CREATE TABLE IF NOT EXISTS repositories (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id    INTEGER NOT NULL REFERENCES users(id),
		name        TEXT NOT NULL,
		html_url    TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL DEFAULT (datetime('now')),
		UNIQUE(owner_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS issues (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		html_url      TEXT NOT NULL UNIQUE,
		created       TEXT NOT NULL,
		updated       TEXT NOT NULL,
		is_closed     INTEGER NOT NULL DEFAULT 0,
		is_merged     INTEGER,
		is_native     INTEGER NOT NULL DEFAULT 1,
		repo_scope_id TEXT NOT NULL,
		user_id       INTEGER NOT NULL REFERENCES users(id),
		repository    INTEGER NOT NULL REFERENCES repositories(id),
		private_key   TEXT NOT NULL UNIQUE,
		UNIQUE(repository, repo_scope_id)
	)`,

	`CREATE TABLE IF NOT EXISTS activities (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id  INTEGER NOT NULL REFERENCES users(id),
		issue_id INTEGER NOT NULL REFERENCES issues(id),
		activity TEXT NOT NULL,
		created  TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_activities_issue ON activities(issue_id)`,
}

// OpenRawDB opens a SQLite database without running migrations or
// checking the schema version. Used by the db subcommands.
func OpenRawDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

// ReadDBVersion returns the current schema version from the database.
func ReadDBVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// DowngradeDB downgrades the database from its current version to the
// target version, running any reverse migrations along the way.
func DowngradeDB(db *sql.DB, current, target int) error {
	if target >= current {
		return fmt.Errorf("target version %d must be less than current version %d", target, current)
	}
	if target < 0 {
		return fmt.Errorf("target version must be >= 0")
	}

	for v := current; v > target; v-- {
		for _, stmt := range downMigrations[v] {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("down migration v%d: %w", v, err)
			}
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// runMigrations applies all migration statements in order. It refuses to
// touch a database created by a newer binary.
func runMigrations(db *sql.DB) error {
	dbVersion, err := ReadDBVersion(db)
	if err != nil {
		return err
	}
	if dbVersion > DBSchemaVersion {
		return fmt.Errorf(
			"database schema version %d is newer than this binary supports (max %d); upgrade the binary or use a different database",
			dbVersion, DBSchemaVersion)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	if dbVersion < DBSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", DBSchemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}
