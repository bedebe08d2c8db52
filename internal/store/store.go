package store

import (
	"context"
	"errors"

	"github.com/forgeflux/fedbridge/internal/model"
)

var (
	// ErrNotFound is returned by loads that match no row.
	ErrNotFound = errors.New("not found")
	// ErrUniqueViolation wraps a unique constraint failure on insert.
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// UpdateOptions relaxes the guards of UpdateIssue.
type UpdateOptions struct {
	// AllowUnmerge lets a merged pull request be written back unmerged.
	AllowUnmerge bool
}

// Store defines the persistence interface for federated issues.
type Store interface {
	// Users and repositories
	SaveUser(ctx context.Context, user *model.User) error
	SaveRepository(ctx context.Context, repo *model.Repository) error
	GetRepositoryByName(ctx context.Context, owner, name string) (*model.Repository, error)

	// Issues
	GetIssueByScope(ctx context.Context, repoID int64, scopeID string) (*model.Issue, error)
	GetIssue(ctx context.Context, id int64) (*model.Issue, error)
	GetIssueByHTMLURL(ctx context.Context, htmlURL string) (*model.Issue, error)
	// InsertIssue writes a new issue row and its create activity in one
	// transaction and returns the assigned id.
	InsertIssue(ctx context.Context, issue *model.Issue) (int64, error)
	// UpdateIssue overwrites the forge-mutable columns only: title,
	// description, updated, is_closed and is_merged. updated never moves
	// backwards and a merged pull request stays merged and closed unless
	// opts.AllowUnmerge is set. issue is refreshed with the stored state.
	UpdateIssue(ctx context.Context, issue *model.Issue, opts UpdateOptions) error

	// Activities
	ListActivities(ctx context.Context, issueID int64) ([]*model.Activity, error)

	Close() error
}
