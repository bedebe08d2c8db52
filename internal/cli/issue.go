package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeflux/fedbridge/internal/engine"
	"github.com/forgeflux/fedbridge/internal/forge/gitea"
	"github.com/forgeflux/fedbridge/internal/identity"
	"github.com/forgeflux/fedbridge/internal/model"
	"github.com/forgeflux/fedbridge/internal/store"
)

// issueRef holds the flags that locate an issue.
type issueRef struct {
	url    string
	owner  string
	repo   string
	number int
}

func (r *issueRef) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.url, "url", "", "issue or pull request URL on the forge")
	cmd.Flags().StringVar(&r.owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&r.repo, "repo", "", "repository name")
	cmd.Flags().IntVar(&r.number, "number", 0, "issue number in the repository")
}

// resolve returns the forge coordinates from --url or --owner/--repo/--number.
func (r *issueRef) resolve() (gitea.IssueRef, error) {
	if r.url != "" {
		return gitea.ParseIssueURL(r.url)
	}
	if r.owner == "" || r.repo == "" || r.number <= 0 {
		return gitea.IssueRef{}, errors.New("either --url or --owner, --repo and --number are required")
	}
	return gitea.IssueRef{Owner: r.owner, Repo: r.repo, Index: r.number}, nil
}

// actorName is the actor name of the referenced issue.
func (r *issueRef) actorName() (string, error) {
	ref, err := r.resolve()
	if err != nil {
		return "", err
	}
	repo := &model.Repository{Name: ref.Repo, Owner: &model.User{UserID: ref.Owner}}
	return identity.Encode(repo.ActorName(), ref.ScopeID()), nil
}

// parseAt parses an RFC 3339 --at flag, defaulting to now.
func parseAt(at string) (time.Time, error) {
	if at == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", at, err)
	}
	return t, nil
}

func newIssueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "issue",
		Aliases: []string{"i"},
		Short:   "Track issue and pull request lifecycles",
	}
	cmd.AddCommand(
		newIssueCreateCmd(a),
		newTransitionCmd(a, "close", "Mark an issue or pull request closed", (*engine.Tracker).Close),
		newTransitionCmd(a, "reopen", "Reopen an issue or pull request", (*engine.Tracker).Reopen),
		newTransitionCmd(a, "merge", "Mark a pull request merged", (*engine.Tracker).MarkMerged),
		newIssueShowCmd(a),
	)
	return cmd
}

func newIssueCreateCmd(a *app) *cobra.Command {
	var (
		issueURL    string
		title       string
		description string
		author      string
		pull        bool
		at          string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a forge issue or pull request",
		Long: `Record a forge issue or pull request and give it a federated identity.

Creating an issue that is already known returns the stored record.

Examples:
  fedbridge issue create --url https://git.example/x/y/issues/7 --title "Fix bug" --author alice
  fedbridge issue create --url https://git.example/x/y/pulls/8 --author bob`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if issueURL == "" || author == "" {
				return errors.New("--url and --author are required")
			}
			ref, err := gitea.ParseIssueURL(issueURL)
			if err != nil {
				return err
			}
			created, err := parseAt(at)
			if err != nil {
				return err
			}

			scheme := "https"
			if u, err := url.Parse(issueURL); err == nil && u.Scheme != "" {
				scheme = u.Scheme
			}
			owner := &model.User{
				UserID:     ref.Owner,
				ProfileURL: scheme + "://" + ref.Host + "/" + ref.Owner,
			}
			repo := &model.Repository{Name: ref.Repo, HTMLURL: ref.RepoURL(scheme), Owner: owner}
			user := &model.User{UserID: author, ProfileURL: scheme + "://" + ref.Host + "/" + author}

			var iss *model.Issue
			if pull || ref.Pull {
				iss = model.NewPullRequest(repo, user, ref.ScopeID())
			} else {
				iss = model.NewIssue(repo, user, ref.ScopeID())
			}
			iss.Title = title
			iss.Description = description
			iss.HTMLURL = issueURL
			iss.Created = created
			iss.Updated = created

			t, s, cfg, err := a.openTracker()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := t.Create(cmd.Context(), iss); err != nil {
				return err
			}
			return a.printIssue(cmd, cfg, s, iss)
		},
	}

	cmd.Flags().StringVar(&issueURL, "url", "", "issue or pull request URL on the forge (required)")
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&description, "description", "", "issue description")
	cmd.Flags().StringVar(&author, "author", "", "forge username of the author (required)")
	cmd.Flags().BoolVar(&pull, "pr", false, "record a pull request even if the URL is an issue URL")
	cmd.Flags().StringVar(&at, "at", "", "creation time, RFC 3339 (default now)")
	return cmd
}

type transitionFunc func(*engine.Tracker, context.Context, *model.Issue, time.Time) error

func newTransitionCmd(a *app, use, short string, apply transitionFunc) *cobra.Command {
	var (
		ref issueRef
		at  string
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			updated, err := parseAt(at)
			if err != nil {
				return err
			}
			name, err := ref.actorName()
			if err != nil {
				return err
			}

			t, s, cfg, err := a.openTracker()
			if err != nil {
				return err
			}
			defer s.Close()

			iss, err := loadIssue(cmd.Context(), t, name)
			if err != nil {
				return err
			}
			if err := apply(t, cmd.Context(), iss, updated); err != nil {
				return err
			}
			return a.printIssue(cmd, cfg, s, iss)
		},
	}

	ref.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "time reported by the forge, RFC 3339 (default now)")
	return cmd
}

func newIssueShowCmd(a *app) *cobra.Command {
	var ref issueRef
	var id int64

	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a stored issue and its activity log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid issue id %q", args[0])
				}
				id = n
			}

			var name string
			if id == 0 {
				var err error
				if name, err = ref.actorName(); err != nil {
					return err
				}
			}

			t, s, cfg, err := a.openTracker()
			if err != nil {
				return err
			}
			defer s.Close()

			var iss *model.Issue
			if id != 0 {
				iss, err = t.LoadByID(cmd.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("issue %d not found", id)
				}
			} else {
				iss, err = loadIssue(cmd.Context(), t, name)
			}
			if err != nil {
				return err
			}
			return a.printIssue(cmd, cfg, s, iss)
		},
	}

	ref.register(cmd)
	return cmd
}

func loadIssue(ctx context.Context, t *engine.Tracker, name string) (*model.Issue, error) {
	iss, err := t.LoadByActorName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("issue %s not found", name)
	}
	return iss, err
}
