package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forgeflux/fedbridge/internal/identity"
	"github.com/forgeflux/fedbridge/internal/keys"
	"github.com/forgeflux/fedbridge/internal/model"
	"github.com/forgeflux/fedbridge/internal/store"
)

const testBaseURL = "https://bridge.example"

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTracker(t *testing.T, s store.Store, gen keys.Generator) *Tracker {
	t.Helper()
	return New(s, gen, Options{BaseURL: testBaseURL, Logger: quietLog})
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

// sequenceKeys returns a generator handing out ks in order, then fresh keys.
func sequenceKeys(ks ...*keys.KeyPair) keys.Generator {
	var mu sync.Mutex
	return func() (*keys.KeyPair, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ks) == 0 {
			return keys.Generate()
		}
		k := ks[0]
		ks = ks[1:]
		return k, nil
	}
}

func repoRef() *model.Repository {
	return &model.Repository{
		Name:    "y",
		HTMLURL: "https://forge/x/y",
		Owner:   &model.User{UserID: "x", AvatarURL: "https://forge/avatars/x"},
	}
}

func newIssue(t *testing.T, scope string) *model.Issue {
	t.Helper()
	iss := model.NewIssue(repoRef(), &model.User{UserID: "u"}, scope)
	iss.Title = "Fix bug"
	iss.Description = "details"
	iss.HTMLURL = "https://forge/x/y/issues/" + scope
	iss.Created = mustTime(t, "2024-01-01T00:00:00Z")
	iss.Updated = iss.Created
	return iss
}

func newPullRequest(t *testing.T, scope string) *model.Issue {
	t.Helper()
	pr := model.NewPullRequest(repoRef(), &model.User{UserID: "u"}, scope)
	pr.Title = "Add feature"
	pr.HTMLURL = "https://forge/x/y/pulls/" + scope
	pr.Created = mustTime(t, "2024-01-01T00:00:00Z")
	pr.Updated = pr.Created
	return pr
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateAndLifecycle(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, nil)
	ctx := context.Background()

	iss := newIssue(t, "7")
	require.NoError(t, tr.Create(ctx, iss))
	require.NotZero(t, iss.ID)
	require.NotNil(t, iss.PrivateKey)
	assert.Equal(t, model.StateOpen, iss.State())
	assert.False(t, iss.IsPR())

	require.NoError(t, tr.Close(ctx, iss, mustTime(t, "2024-01-02T00:00:00Z")))
	assert.Equal(t, model.StateClosed, iss.State())
	stored, err := tr.LoadByID(ctx, iss.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, stored.State())

	require.NoError(t, tr.Reopen(ctx, iss, mustTime(t, "2024-01-03T00:00:00Z")))
	assert.Equal(t, model.StateOpen, iss.State())
	stored, err = tr.LoadByID(ctx, iss.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State())
	assert.True(t, stored.Updated.Equal(mustTime(t, "2024-01-03T00:00:00Z")))

	acts, err := s.ListActivities(ctx, iss.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, model.ActivityCreate, acts[0].Type)
	assert.Equal(t, iss.User.ID, acts[0].UserID)
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, nil)
	ctx := context.Background()

	first := newIssue(t, "7")
	require.NoError(t, tr.Create(ctx, first))

	second := newIssue(t, "7")
	require.NoError(t, tr.Create(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.PrivateKey.Equal(second.PrivateKey))
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, first.Repository.ID, second.Repository.ID)

	acts, err := s.ListActivities(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, acts, 1, "no duplicate create activity")
}

func TestCreateRetriesKeyCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	shared, err := keys.Generate()
	require.NoError(t, err)
	tr := newTestTracker(t, s, sequenceKeys(shared, shared))

	a := newIssue(t, "1")
	require.NoError(t, tr.Create(ctx, a))

	// The second issue first draws the already-used key and must retry.
	b := newIssue(t, "2")
	require.NoError(t, tr.Create(ctx, b))
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.PrivateKey.Equal(b.PrivateKey))
}

func TestCreateExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, nil)
	ctx := context.Background()

	a := newIssue(t, "1")
	require.NoError(t, tr.Create(ctx, a))

	// Different scope id, same html_url: every attempt collides and no
	// winner exists for scope "2".
	b := newIssue(t, "2")
	b.HTMLURL = a.HTMLURL
	err := tr.Create(ctx, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUniquenessConflict)
	assert.ErrorIs(t, err, store.ErrUniqueViolation)
	assert.Zero(t, b.ID)
	assert.Nil(t, b.PrivateKey)
}

func TestCreateAdoptsConcurrentWinner(t *testing.T) {
	ctx := context.Background()
	winner := newIssue(t, "7")
	winner.ID = 42
	winner.Repository.ID = 3
	key, err := keys.Generate()
	require.NoError(t, err)
	winner.PrivateKey = key

	m := new(storeMock)
	m.On("GetRepositoryByName", mock.Anything, "x", "y").Return(nil, store.ErrNotFound).Once()
	m.On("SaveUser", mock.Anything, mock.Anything).Return(nil)
	m.On("SaveRepository", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*model.Repository).ID = 3
	}).Return(nil)
	m.On("InsertIssue", mock.Anything, mock.Anything).Return(int64(0), store.ErrUniqueViolation).Once()
	m.On("GetIssueByScope", mock.Anything, int64(3), "7").Return(winner, nil).Once()

	tr := newTestTracker(t, m, nil)
	loser := newIssue(t, "7")
	require.NoError(t, tr.Create(ctx, loser))

	assert.Equal(t, int64(42), loser.ID)
	assert.True(t, loser.PrivateKey.Equal(key))
	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "InsertIssue", 1)
}

func TestCreatePropagatesStoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")

	m := new(storeMock)
	m.On("GetRepositoryByName", mock.Anything, "x", "y").Return(nil, store.ErrNotFound)
	m.On("SaveUser", mock.Anything, mock.Anything).Return(nil)
	m.On("SaveRepository", mock.Anything, mock.Anything).Return(nil)
	m.On("InsertIssue", mock.Anything, mock.Anything).Return(int64(0), boom).Once()

	tr := newTestTracker(t, m, nil)
	err := tr.Create(ctx, newIssue(t, "7"))
	assert.ErrorIs(t, err, boom)
	m.AssertNumberOfCalls(t, "InsertIssue", 1)
}

func TestCreateRequiresRefs(t *testing.T) {
	tr := newTestTracker(t, newTestStore(t), nil)
	iss := model.NewIssue(nil, nil, "1")
	assert.Error(t, tr.Create(context.Background(), iss))
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func TestMarkMergedPullRequest(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, nil)
	ctx := context.Background()

	pr := newPullRequest(t, "8")
	require.NoError(t, tr.Create(ctx, pr))
	require.True(t, pr.IsPR())

	require.NoError(t, tr.MarkMerged(ctx, pr, mustTime(t, "2024-02-01T00:00:00Z")))
	assert.True(t, pr.Kind.Merged())
	assert.True(t, pr.Closed)
	assert.Equal(t, model.StateMerged, pr.State())

	require.NoError(t, tr.Close(ctx, pr, mustTime(t, "2024-02-02T00:00:00Z")))
	stored, err := tr.LoadByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Kind.Merged())
	assert.True(t, stored.Closed)
	assert.Equal(t, model.StateMerged, stored.State())
}

func TestMarkMergedRejectsIssue(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, nil)
	ctx := context.Background()

	iss := newIssue(t, "7")
	require.NoError(t, tr.Create(ctx, iss))

	err := tr.MarkMerged(ctx, iss, mustTime(t, "2024-02-01T00:00:00Z"))
	assert.ErrorIs(t, err, model.ErrNotAPullRequest)
	assert.Equal(t, model.StateOpen, iss.State())
	assert.False(t, iss.Closed)

	stored, err := tr.LoadByID(ctx, iss.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State())
	assert.True(t, stored.Updated.Equal(iss.Created))
}

func TestReopenMergedPullRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected", func(t *testing.T) {
		tr := newTestTracker(t, newTestStore(t), nil)
		pr := newPullRequest(t, "8")
		require.NoError(t, tr.Create(ctx, pr))
		require.NoError(t, tr.MarkMerged(ctx, pr, mustTime(t, "2024-02-01T00:00:00Z")))

		err := tr.Reopen(ctx, pr, mustTime(t, "2024-02-02T00:00:00Z"))
		assert.ErrorIs(t, err, model.ErrMergedPullRequest)
		assert.Equal(t, model.StateMerged, pr.State())
	})

	t.Run("unmerge allowed", func(t *testing.T) {
		s := newTestStore(t)
		tr := New(s, nil, Options{BaseURL: testBaseURL, ReopenUnmergesPullRequests: true, Logger: quietLog})
		pr := newPullRequest(t, "8")
		require.NoError(t, tr.Create(ctx, pr))
		require.NoError(t, tr.MarkMerged(ctx, pr, mustTime(t, "2024-02-01T00:00:00Z")))

		require.NoError(t, tr.Reopen(ctx, pr, mustTime(t, "2024-02-02T00:00:00Z")))
		stored, err := tr.LoadByID(ctx, pr.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsPR())
		assert.False(t, stored.Kind.Merged())
		assert.Equal(t, model.StateOpen, stored.State())
	})
}

func TestTransitionRequiresSavedIssue(t *testing.T) {
	tr := newTestTracker(t, newTestStore(t), nil)
	err := tr.Close(context.Background(), newIssue(t, "1"), time.Now())
	assert.Error(t, err)
}

func TestTransitionRestoresOnPersistFailure(t *testing.T) {
	boom := errors.New("write failed")
	m := new(storeMock)
	tr := newTestTracker(t, m, nil)
	iss := newIssue(t, "7")
	iss.ID = 1
	stored := *iss
	m.On("GetIssue", mock.Anything, int64(1)).Return(&stored, nil)
	m.On("UpdateIssue", mock.Anything, mock.Anything, store.UpdateOptions{}).Return(boom)

	err := tr.Close(context.Background(), iss, mustTime(t, "2024-03-01T00:00:00Z"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, iss.Closed)
	assert.True(t, iss.Updated.Equal(iss.Created))
}

func TestTransitionsAcrossHandles(t *testing.T) {
	ctx := context.Background()

	t.Run("close keeps merge", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTestTracker(t, s, nil)
		a := newPullRequest(t, "8")
		require.NoError(t, tr.Create(ctx, a))
		b := newPullRequest(t, "8")
		require.NoError(t, tr.Create(ctx, b))

		require.NoError(t, tr.MarkMerged(ctx, a, mustTime(t, "2024-02-01T00:00:00Z")))
		require.NoError(t, tr.Close(ctx, b, mustTime(t, "2024-02-02T00:00:00Z")))
		assert.Equal(t, model.StateMerged, b.State())

		stored, err := tr.LoadByID(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, stored.Kind.Merged())
		assert.True(t, stored.Closed)
		assert.True(t, stored.Updated.Equal(mustTime(t, "2024-02-02T00:00:00Z")))
	})

	t.Run("adopted handle sees merge", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTestTracker(t, s, nil)
		a := newPullRequest(t, "9")
		require.NoError(t, tr.Create(ctx, a))
		require.NoError(t, tr.MarkMerged(ctx, a, mustTime(t, "2024-02-01T00:00:00Z")))

		b := newPullRequest(t, "9")
		require.NoError(t, tr.Create(ctx, b))
		assert.Equal(t, model.StateMerged, b.State())
		assert.True(t, b.Updated.Equal(mustTime(t, "2024-02-01T00:00:00Z")))

		err := tr.Reopen(ctx, b, mustTime(t, "2024-02-02T00:00:00Z"))
		assert.ErrorIs(t, err, model.ErrMergedPullRequest)

		stored, err := tr.LoadByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateMerged, stored.State())
	})

	t.Run("stale handle sees merge", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTestTracker(t, s, nil)
		a := newPullRequest(t, "10")
		require.NoError(t, tr.Create(ctx, a))
		b := newPullRequest(t, "10")
		require.NoError(t, tr.Create(ctx, b))

		require.NoError(t, tr.MarkMerged(ctx, a, mustTime(t, "2024-02-01T00:00:00Z")))
		err := tr.Reopen(ctx, b, mustTime(t, "2024-02-02T00:00:00Z"))
		assert.ErrorIs(t, err, model.ErrMergedPullRequest)

		stored, err := tr.LoadByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateMerged, stored.State())
	})

	t.Run("older update keeps newer time", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTestTracker(t, s, nil)
		a := newIssue(t, "11")
		require.NoError(t, tr.Create(ctx, a))
		b := newIssue(t, "11")
		require.NoError(t, tr.Create(ctx, b))

		require.NoError(t, tr.Close(ctx, a, mustTime(t, "2024-03-01T00:00:00Z")))
		require.NoError(t, tr.Reopen(ctx, b, mustTime(t, "2024-02-01T00:00:00Z")))
		assert.True(t, b.Updated.Equal(mustTime(t, "2024-03-01T00:00:00Z")))

		stored, err := tr.LoadByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateOpen, stored.State())
		assert.True(t, stored.Updated.Equal(mustTime(t, "2024-03-01T00:00:00Z")))
	})
}

// ---------------------------------------------------------------------------
// Loaders
// ---------------------------------------------------------------------------

func TestLoaders(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, nil)
	ctx := context.Background()

	iss := newIssue(t, "7")
	require.NoError(t, tr.Create(ctx, iss))
	name := identity.Encode(iss.Repository.ActorName(), "7")

	byName, err := tr.LoadByActorName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, iss.ID, byName.ID)

	byActorURL, err := tr.LoadByActorURL(ctx, identity.ActorURL(testBaseURL, name))
	require.NoError(t, err)
	assert.Equal(t, iss.ID, byActorURL.ID)

	byHTMLURL, err := tr.LoadByActorURL(ctx, iss.HTMLURL)
	require.NoError(t, err)
	assert.Equal(t, iss.ID, byHTMLURL.ID)

	byScope, err := tr.Load(ctx, iss.Repository, "7")
	require.NoError(t, err)
	assert.Equal(t, iss.ID, byScope.ID)

	_, err = tr.LoadByActorName(ctx, "malformed-no-bang")
	assert.ErrorIs(t, err, identity.ErrInvalidActorName)

	_, err = tr.LoadByActorName(ctx, "github!x!y!issue!7")
	assert.ErrorIs(t, err, identity.ErrInvalidActorName)

	_, err = tr.LoadByActorName(ctx, "gitea!x!y!issue!99")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = tr.LoadByActorName(ctx, "gitea!nobody!y!issue!7")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Store mock
// ---------------------------------------------------------------------------

type storeMock struct{ mock.Mock }

var _ store.Store = (*storeMock)(nil)

func (m *storeMock) SaveUser(ctx context.Context, user *model.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *storeMock) SaveRepository(ctx context.Context, repo *model.Repository) error {
	return m.Called(ctx, repo).Error(0)
}

func (m *storeMock) GetRepositoryByName(ctx context.Context, owner, name string) (*model.Repository, error) {
	args := m.Called(ctx, owner, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Repository), args.Error(1)
}

func (m *storeMock) GetIssueByScope(ctx context.Context, repoID int64, scopeID string) (*model.Issue, error) {
	args := m.Called(ctx, repoID, scopeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Issue), args.Error(1)
}

func (m *storeMock) GetIssue(ctx context.Context, id int64) (*model.Issue, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Issue), args.Error(1)
}

func (m *storeMock) GetIssueByHTMLURL(ctx context.Context, htmlURL string) (*model.Issue, error) {
	args := m.Called(ctx, htmlURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Issue), args.Error(1)
}

func (m *storeMock) InsertIssue(ctx context.Context, issue *model.Issue) (int64, error) {
	args := m.Called(ctx, issue)
	return args.Get(0).(int64), args.Error(1)
}

func (m *storeMock) UpdateIssue(ctx context.Context, issue *model.Issue, opts store.UpdateOptions) error {
	return m.Called(ctx, issue, opts).Error(0)
}

func (m *storeMock) ListActivities(ctx context.Context, issueID int64) ([]*model.Activity, error) {
	args := m.Called(ctx, issueID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Activity), args.Error(1)
}

func (m *storeMock) Close() error { return m.Called().Error(0) }
