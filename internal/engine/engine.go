// Package engine drives the lifecycle of federated issues: idempotent
// creation, close, reopen and merge, each persisted through a store.Store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeflux/fedbridge/internal/identity"
	"github.com/forgeflux/fedbridge/internal/keys"
	"github.com/forgeflux/fedbridge/internal/model"
	"github.com/forgeflux/fedbridge/internal/store"
)

// MaxInsertAttempts bounds the insert retries on unique constraint
// violations.
const MaxInsertAttempts = 5

// ErrUniquenessConflict is returned when an issue could not be inserted
// within MaxInsertAttempts and no concurrent winner was found.
var ErrUniquenessConflict = errors.New("uniqueness conflict")

// Options configures a Tracker.
type Options struct {
	// BaseURL is the public URL actor URLs are issued under.
	BaseURL string
	// ReopenUnmergesPullRequests lets Reopen clear the merge flag of a
	// merged pull request instead of rejecting it.
	ReopenUnmergesPullRequests bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Tracker creates, loads and transitions issues.
type Tracker struct {
	store   store.Store
	newKey  keys.Generator
	baseURL string
	unmerge bool
	log     *slog.Logger
}

// New returns a Tracker. A nil generator means keys.Generate.
func New(s store.Store, gen keys.Generator, opts Options) *Tracker {
	if gen == nil {
		gen = keys.Generate
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:   s,
		newKey:  gen,
		baseURL: opts.BaseURL,
		unmerge: opts.ReopenUnmergesPullRequests,
		log:     log,
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// Create persists a new issue. If a record already exists for the issue's
// repository and scope id, the issue adopts its id, keypair, user and
// repository instead and nothing is written. Otherwise the user and
// repository are upserted, a keypair generated and the row inserted along
// with its create activity.
func (t *Tracker) Create(ctx context.Context, iss *model.Issue) error {
	if iss.Repository == nil || iss.Repository.Owner == nil || iss.User == nil {
		return fmt.Errorf("create issue %s: repository, owner and user are required", iss.RepoScopeID)
	}

	existing, err := t.lookupExisting(ctx, iss)
	if err != nil {
		return err
	}
	if existing != nil {
		adopt(iss, existing)
		t.log.Debug("issue already known", "actor", iss.ActorName(), "id", iss.ID)
		return nil
	}

	if err := t.store.SaveUser(ctx, iss.User); err != nil {
		return err
	}
	if err := t.store.SaveRepository(ctx, iss.Repository); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= MaxInsertAttempts; attempt++ {
		key, err := t.newKey()
		if err != nil {
			return err
		}
		iss.PrivateKey = key

		id, err := t.store.InsertIssue(ctx, iss)
		if err == nil {
			t.log.Info("issue created", "actor", iss.ActorName(), "id", id, "kind", iss.Kind.String())
			return nil
		}
		if !errors.Is(err, store.ErrUniqueViolation) {
			return err
		}
		lastErr = err

		// A concurrent creator may have won the race for this scope id.
		winner, err := t.store.GetIssueByScope(ctx, iss.Repository.ID, iss.RepoScopeID)
		if err == nil {
			adopt(iss, winner)
			t.log.Info("adopted concurrently created issue", "actor", iss.ActorName(), "id", iss.ID)
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		t.log.Warn("issue insert conflict, retrying", "actor", iss.ActorName(), "attempt", attempt, "error", lastErr)
	}

	iss.PrivateKey = nil
	return fmt.Errorf("create issue %s: %w after %d attempts: %w", iss.ActorName(), ErrUniquenessConflict, MaxInsertAttempts, lastErr)
}

// lookupExisting finds a stored issue for iss's repository and scope id.
// The repository id is resolved by name when the caller has not saved it.
func (t *Tracker) lookupExisting(ctx context.Context, iss *model.Issue) (*model.Issue, error) {
	repoID := iss.Repository.ID
	if repoID == 0 {
		repo, err := t.store.GetRepositoryByName(ctx, iss.Repository.Owner.UserID, iss.Repository.Name)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		repoID = repo.ID
	}

	existing, err := t.store.GetIssueByScope(ctx, repoID, iss.RepoScopeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return existing, err
}

// adopt copies the stored identity and state of existing onto iss.
func adopt(iss, existing *model.Issue) {
	iss.ID = existing.ID
	iss.PrivateKey = existing.PrivateKey
	iss.User = existing.User
	iss.Repository = existing.Repository
	syncState(iss, existing)
}

// syncState copies the lifecycle fields of stored onto iss. Title and
// description stay as the caller set them.
func syncState(iss, stored *model.Issue) {
	iss.Kind = stored.Kind
	iss.Closed = stored.Closed
	iss.Updated = stored.Updated
	iss.Native = stored.Native
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Close marks the issue closed at the forge-reported time updated.
func (t *Tracker) Close(ctx context.Context, iss *model.Issue, updated time.Time) error {
	return t.transition(ctx, iss, "close", func() error {
		iss.ApplyClose(updated)
		return nil
	})
}

// Reopen marks the issue open. A merged pull request is rejected with
// model.ErrMergedPullRequest unless the tracker was built with
// ReopenUnmergesPullRequests.
func (t *Tracker) Reopen(ctx context.Context, iss *model.Issue, updated time.Time) error {
	return t.transition(ctx, iss, "reopen", func() error {
		return iss.ApplyReopen(updated, t.unmerge)
	})
}

// MarkMerged marks a pull request merged and closed. Plain issues fail with
// model.ErrNotAPullRequest.
func (t *Tracker) MarkMerged(ctx context.Context, iss *model.Issue, updated time.Time) error {
	return t.transition(ctx, iss, "merge", func() error {
		return iss.ApplyMerge(updated)
	})
}

// transition re-reads the stored state, applies fn and persists the mutable
// fields. On any failure the in-memory issue is restored.
func (t *Tracker) transition(ctx context.Context, iss *model.Issue, name string, fn func() error) error {
	if iss.ID == 0 {
		return fmt.Errorf("%s issue %s: not saved", name, iss.RepoScopeID)
	}
	prev := *iss
	stored, err := t.store.GetIssue(ctx, iss.ID)
	if err != nil {
		return fmt.Errorf("%s issue %d: %w", name, iss.ID, err)
	}
	syncState(iss, stored)
	if err := fn(); err != nil {
		*iss = prev
		return fmt.Errorf("%s issue %d: %w", name, iss.ID, err)
	}
	opts := store.UpdateOptions{AllowUnmerge: t.unmerge && name == "reopen"}
	if err := t.store.UpdateIssue(ctx, iss, opts); err != nil {
		*iss = prev
		return err
	}
	t.log.Debug("issue transition", "action", name, "id", iss.ID, "state", iss.State())
	return nil
}

// ---------------------------------------------------------------------------
// Loaders
// ---------------------------------------------------------------------------

// Load returns the issue with the given scope id in repo.
func (t *Tracker) Load(ctx context.Context, repo *model.Repository, scopeID string) (*model.Issue, error) {
	return t.store.GetIssueByScope(ctx, repo.ID, scopeID)
}

// LoadByID returns the issue with the given storage id.
func (t *Tracker) LoadByID(ctx context.Context, id int64) (*model.Issue, error) {
	return t.store.GetIssue(ctx, id)
}

// LoadByHTMLURL returns the issue with the given forge URL.
func (t *Tracker) LoadByHTMLURL(ctx context.Context, htmlURL string) (*model.Issue, error) {
	return t.store.GetIssueByHTMLURL(ctx, htmlURL)
}

// LoadByActorName resolves an issue actor name to its stored issue.
func (t *Tracker) LoadByActorName(ctx context.Context, name string) (*model.Issue, error) {
	n, err := identity.Decode(name)
	if err != nil {
		return nil, err
	}
	if n.Flavor != model.ForgeGitea {
		return nil, fmt.Errorf("%w: unknown forge flavor %q", identity.ErrInvalidActorName, n.Flavor)
	}
	repo, err := t.store.GetRepositoryByName(ctx, n.Owner, n.Repo)
	if err != nil {
		return nil, err
	}
	return t.store.GetIssueByScope(ctx, repo.ID, n.ScopeID)
}

// LoadByActorURL resolves either one of this bridge's actor URLs or a
// forge html_url to its stored issue.
func (t *Tracker) LoadByActorURL(ctx context.Context, url string) (*model.Issue, error) {
	if name, ok := identity.ActorNameFromURL(t.baseURL, url); ok {
		return t.LoadByActorName(ctx, name)
	}
	return t.LoadByHTMLURL(ctx, url)
}
