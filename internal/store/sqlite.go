package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgeflux/fedbridge/internal/keys"
	"github.com/forgeflux/fedbridge/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// migrations. Use ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: pragmas are per connection, ":memory:" databases are
	// per connection, and SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users and repositories
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveUser(ctx context.Context, user *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, profile_url, avatar_url) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id)
		 DO UPDATE SET name = excluded.name, profile_url = excluded.profile_url, avatar_url = excluded.avatar_url`,
		user.UserID, user.Name, user.ProfileURL, user.AvatarURL)
	if err != nil {
		return fmt.Errorf("save user %s: %w", user.UserID, err)
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE user_id = ?`, user.UserID).Scan(&user.ID)
}

// SaveRepository upserts the repository and its owner.
func (s *SQLiteStore) SaveRepository(ctx context.Context, repo *model.Repository) error {
	if repo.Owner == nil {
		return fmt.Errorf("save repository %s: missing owner", repo.Name)
	}
	if err := s.SaveUser(ctx, repo.Owner); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (owner_id, name, html_url, description) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner_id, name)
		 DO UPDATE SET html_url = excluded.html_url, description = excluded.description`,
		repo.Owner.ID, repo.Name, repo.HTMLURL, repo.Description)
	if err != nil {
		return fmt.Errorf("save repository %s: %w", repo.FullName(), err)
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id FROM repositories WHERE owner_id = ? AND name = ?`,
		repo.Owner.ID, repo.Name).Scan(&repo.ID)
}

func (s *SQLiteStore) GetRepositoryByName(ctx context.Context, owner, name string) (*model.Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.name, r.html_url, r.description, `+userColumns("o")+`
		 FROM repositories r JOIN users o ON o.id = r.owner_id
		 WHERE o.user_id = ? AND r.name = ?`, owner, name)

	var repo model.Repository
	var o model.User
	err := row.Scan(&repo.ID, &repo.Name, &repo.HTMLURL, &repo.Description,
		&o.ID, &o.UserID, &o.Name, &o.ProfileURL, &o.AvatarURL)
	if err != nil {
		return nil, notFound(err, "repository %s/%s", owner, name)
	}
	repo.Owner = &o
	return &repo, nil
}

// ---------------------------------------------------------------------------
// Issues
// ---------------------------------------------------------------------------

// issueSelect reads an issue with its author, repository and repository
// owner joined in.
var issueSelect = `SELECT i.id, i.title, i.description, i.html_url, i.created, i.updated,
		i.is_closed, i.is_merged, i.is_native, i.repo_scope_id, i.private_key,
		` + userColumns("u") + `,
		r.id, r.name, r.html_url, r.description,
		` + userColumns("o") + `
	FROM issues i
	JOIN users u ON u.id = i.user_id
	JOIN repositories r ON r.id = i.repository
	JOIN users o ON o.id = r.owner_id`

func userColumns(alias string) string {
	cols := []string{"id", "user_id", "name", "profile_url", "avatar_url"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func (s *SQLiteStore) GetIssueByScope(ctx context.Context, repoID int64, scopeID string) (*model.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		issueSelect+` WHERE i.repository = ? AND i.repo_scope_id = ?`, repoID, scopeID)
	iss, err := scanIssue(row)
	if err != nil {
		return nil, notFound(err, "issue %s in repository %d", scopeID, repoID)
	}
	return iss, nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id int64) (*model.Issue, error) {
	row := s.db.QueryRowContext(ctx, issueSelect+` WHERE i.id = ?`, id)
	iss, err := scanIssue(row)
	if err != nil {
		return nil, notFound(err, "issue %d", id)
	}
	return iss, nil
}

func (s *SQLiteStore) GetIssueByHTMLURL(ctx context.Context, htmlURL string) (*model.Issue, error) {
	row := s.db.QueryRowContext(ctx, issueSelect+` WHERE i.html_url = ?`, htmlURL)
	iss, err := scanIssue(row)
	if err != nil {
		return nil, notFound(err, "issue %s", htmlURL)
	}
	return iss, nil
}

// InsertIssue inserts the issue, reads back its id by html_url and appends
// the create activity, all inside one transaction. The user and repository
// must already be saved.
func (s *SQLiteStore) InsertIssue(ctx context.Context, issue *model.Issue) (int64, error) {
	if issue.PrivateKey == nil {
		return 0, fmt.Errorf("insert issue %s: missing private key", issue.HTMLURL)
	}
	if issue.User == nil || issue.User.ID == 0 || issue.Repository == nil || issue.Repository.ID == 0 {
		return 0, fmt.Errorf("insert issue %s: user and repository must be saved first", issue.HTMLURL)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO issues (title, description, html_url, created, updated, is_closed, is_merged, is_native,
			repo_scope_id, user_id, repository, private_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.Title, issue.Description, issue.HTMLURL,
		formatTime(issue.Created), formatTime(issue.Updated),
		boolInt(issue.Closed), mergedArg(issue.Kind), boolInt(issue.Native),
		issue.RepoScopeID, issue.User.ID, issue.Repository.ID, issue.PrivateKey.PrivatePEM())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert issue %s: %w: %v", issue.HTMLURL, ErrUniqueViolation, err)
		}
		return 0, fmt.Errorf("insert issue %s: %w", issue.HTMLURL, err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM issues WHERE html_url = ?`, issue.HTMLURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("verify issue %s: %w", issue.HTMLURL, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO activities (user_id, issue_id, activity, created) VALUES (?, ?, ?, ?)`,
		issue.User.ID, id, string(model.ActivityCreate), formatTime(issue.Created))
	if err != nil {
		return 0, fmt.Errorf("record create activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	issue.ID = id
	return id, nil
}

// UpdateIssue writes the mutable columns. The is_merged nullability of the
// stored row must match the issue's kind, so an issue cannot be turned into
// a pull request (or back) through an update. Right-hand sides see the
// stored row, so a stale handle cannot unmerge, reopen a merged pull request
// or move updated backwards.
func (s *SQLiteStore) UpdateIssue(ctx context.Context, issue *model.Issue, opts UpdateOptions) error {
	merged := mergedArg(issue.Kind)
	allow := boolInt(opts.AllowUnmerge)
	row := s.db.QueryRowContext(ctx,
		`UPDATE issues SET
			title = ?,
			description = ?,
			updated = MAX(updated, ?),
			is_closed = CASE WHEN is_merged = 1 AND ? = 0 THEN 1 ELSE ? END,
			is_merged = CASE WHEN ? = 1 THEN ? ELSE MAX(is_merged, ?) END
		 WHERE id = ? AND (is_merged IS NULL) = (? IS NULL)
		 RETURNING is_closed, is_merged, updated`,
		issue.Title, issue.Description, formatTime(issue.Updated),
		allow, boolInt(issue.Closed),
		allow, merged, merged,
		issue.ID, merged)

	var closedInt int
	var mergedInt sql.NullInt64
	var updated string
	if err := row.Scan(&closedInt, &mergedInt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update issue %d (%s): %w", issue.ID, issue.Kind, ErrNotFound)
		}
		return fmt.Errorf("update issue %d: %w", issue.ID, err)
	}

	issue.Closed = closedInt != 0
	issue.Kind = kindFromNull(mergedInt)
	issue.Updated = parseTime(updated)
	return nil
}

// ---------------------------------------------------------------------------
// Activities
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ListActivities(ctx context.Context, issueID int64) ([]*model.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, issue_id, activity, created FROM activities
		 WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*model.Activity
	for rows.Next() {
		var a model.Activity
		var created string
		if err := rows.Scan(&a.ID, &a.UserID, &a.IssueID, &a.Type, &created); err != nil {
			return nil, err
		}
		a.Created = parseTime(created)
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanIssue reads one issueSelect row. SQLite has no boolean type, so the
// 0/1 columns are normalised here for every load path.
func scanIssue(row scanner) (*model.Issue, error) {
	var iss model.Issue
	var u, o model.User
	var repo model.Repository
	var created, updated, privateKey string
	var closedInt, nativeInt int
	var mergedInt sql.NullInt64

	err := row.Scan(&iss.ID, &iss.Title, &iss.Description, &iss.HTMLURL, &created, &updated,
		&closedInt, &mergedInt, &nativeInt, &iss.RepoScopeID, &privateKey,
		&u.ID, &u.UserID, &u.Name, &u.ProfileURL, &u.AvatarURL,
		&repo.ID, &repo.Name, &repo.HTMLURL, &repo.Description,
		&o.ID, &o.UserID, &o.Name, &o.ProfileURL, &o.AvatarURL)
	if err != nil {
		return nil, err
	}

	iss.Created = parseTime(created)
	iss.Updated = parseTime(updated)
	iss.Closed = closedInt != 0
	iss.Native = nativeInt != 0
	iss.Kind = kindFromNull(mergedInt)

	key, err := keys.ParsePrivatePEM(privateKey)
	if err != nil {
		return nil, fmt.Errorf("issue %d: %w", iss.ID, err)
	}
	iss.PrivateKey = key

	repo.Owner = &o
	iss.Repository = &repo
	iss.User = &u
	return &iss, nil
}

// notFound maps sql.ErrNoRows to ErrNotFound and passes other errors
// through.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mergedArg is the nullable is_merged column value for a kind.
func mergedArg(k model.Kind) interface{} {
	m := k.MergedColumn()
	if m == nil {
		return nil
	}
	return boolInt(*m)
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func kindFromNull(merged sql.NullInt64) model.Kind {
	if !merged.Valid {
		return model.KindIssue()
	}
	return model.KindPullRequest(merged.Int64 != 0)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Fallback: the SQLite datetime('now') layout.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}
