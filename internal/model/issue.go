package model

import (
	"errors"
	"time"

	"github.com/forgeflux/fedbridge/internal/identity"
	"github.com/forgeflux/fedbridge/internal/keys"
)

// State is the derived lifecycle state of an issue or pull request.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
	StateMerged State = "merged"
)

var (
	// ErrNotAPullRequest is returned when a merge is attempted on a plain issue.
	ErrNotAPullRequest = errors.New("issue is not a pull request")
	// ErrMergedPullRequest is returned when reopening a merged pull request.
	ErrMergedPullRequest = errors.New("pull request is already merged")
)

// Kind separates plain issues from pull requests. The zero value is a plain
// issue. A Kind cannot be switched between the two once built; only the
// merged flag of a pull request moves, and only towards true through Issue.
type Kind struct {
	pr     bool
	merged bool
}

// KindIssue is a plain issue.
func KindIssue() Kind { return Kind{} }

// KindPullRequest is a pull request with the given merge status.
func KindPullRequest(merged bool) Kind { return Kind{pr: true, merged: merged} }

// IsPullRequest reports whether the kind is a pull request.
func (k Kind) IsPullRequest() bool { return k.pr }

// Merged reports whether a pull request is merged. Always false for issues.
func (k Kind) Merged() bool { return k.pr && k.merged }

// MergedColumn is the nullable is_merged value stored for this kind.
func (k Kind) MergedColumn() *bool {
	if !k.pr {
		return nil
	}
	m := k.merged
	return &m
}

// KindFromColumn is the inverse of MergedColumn.
func KindFromColumn(merged *bool) Kind {
	if merged == nil {
		return KindIssue()
	}
	return KindPullRequest(*merged)
}

func (k Kind) String() string {
	switch {
	case !k.pr:
		return "issue"
	case k.merged:
		return "pull_request(merged)"
	default:
		return "pull_request"
	}
}

// Issue is a forge issue or pull request federated as one ActivityPub
// Group actor.
type Issue struct {
	ID          int64     `json:"id,omitempty" yaml:"id,omitempty"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	HTMLURL     string    `json:"html_url" yaml:"html_url"`
	Created     time.Time `json:"created" yaml:"created"`
	Updated     time.Time `json:"updated" yaml:"updated"`
	// RepoScopeID is the issue number within its repository, e.g. "42".
	RepoScopeID string      `json:"repo_scope_id" yaml:"repo_scope_id"`
	Repository  *Repository `json:"repository" yaml:"repository"`
	User        *User       `json:"user" yaml:"user"`
	Closed      bool        `json:"is_closed" yaml:"is_closed"`
	// Native is false for closed, unmerged pull requests reconciled from a
	// foreign event source.
	Native     bool          `json:"is_native" yaml:"is_native"`
	Kind       Kind          `json:"-" yaml:"-"`
	PrivateKey *keys.KeyPair `json:"-" yaml:"-"`
}

// NewIssue returns an open, native plain issue.
func NewIssue(repo *Repository, user *User, scopeID string) *Issue {
	return &Issue{Repository: repo, User: user, RepoScopeID: scopeID, Native: true, Kind: KindIssue()}
}

// NewPullRequest returns an open, unmerged, native pull request.
func NewPullRequest(repo *Repository, user *User, scopeID string) *Issue {
	return &Issue{Repository: repo, User: user, RepoScopeID: scopeID, Native: true, Kind: KindPullRequest(false)}
}

// ActorName returns "{repo actor name}!issue!{scope id}".
func (i *Issue) ActorName() string {
	return identity.Encode(i.Repository.ActorName(), i.RepoScopeID)
}

// IsPR reports whether the issue is a pull request.
func (i *Issue) IsPR() bool { return i.Kind.IsPullRequest() }

// State derives the lifecycle state from the closed and merged flags.
func (i *Issue) State() State {
	if i.Kind.Merged() {
		return StateMerged
	}
	if i.Closed {
		return StateClosed
	}
	return StateOpen
}

// touch advances Updated, never moving it backwards.
func (i *Issue) touch(updated time.Time) {
	if updated.After(i.Updated) {
		i.Updated = updated
	}
}

// ApplyClose marks the issue closed. Valid from any state.
func (i *Issue) ApplyClose(updated time.Time) {
	i.Closed = true
	i.touch(updated)
}

// ApplyReopen marks the issue open. Reopening a merged pull request fails
// with ErrMergedPullRequest unless unmerge is set, in which case the merge
// flag is cleared as well.
func (i *Issue) ApplyReopen(updated time.Time, unmerge bool) error {
	if i.Kind.Merged() && !unmerge {
		return ErrMergedPullRequest
	}
	i.Closed = false
	if i.Kind.IsPullRequest() {
		i.Kind = KindPullRequest(false)
	}
	i.touch(updated)
	return nil
}

// ApplyMerge marks a pull request merged, which also closes it.
func (i *Issue) ApplyMerge(updated time.Time) error {
	if !i.Kind.IsPullRequest() {
		return ErrNotAPullRequest
	}
	i.Kind = KindPullRequest(true)
	i.ApplyClose(updated)
	return nil
}
