// Package gitea parses Gitea web URLs into forge-native coordinates.
package gitea

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidIssueURL is returned for URLs that do not point at an issue or
// pull request.
var ErrInvalidIssueURL = errors.New("invalid issue url")

// IssueRef locates an issue or pull request on a Gitea instance.
type IssueRef struct {
	Host  string
	Owner string
	Repo  string
	Index int
	// Pull is true for /pulls/ URLs.
	Pull bool
}

// ScopeID returns the index as the repository scoped id string.
func (r IssueRef) ScopeID() string {
	return strconv.Itoa(r.Index)
}

// RepoURL returns the repository's web URL.
func (r IssueRef) RepoURL(scheme string) string {
	return scheme + "://" + r.Host + "/" + r.Owner + "/" + r.Repo
}

// ParseIssueURL parses https://{host}/{owner}/{repo}/issues/{index} and the
// /pulls/ equivalent. Trailing path segments ("/files"), query strings and
// fragments are ignored.
func ParseIssueURL(raw string) (IssueRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return IssueRef{}, fmt.Errorf("%w: %v", ErrInvalidIssueURL, err)
	}
	if u.Host == "" {
		return IssueRef{}, fmt.Errorf("%w: %q has no host", ErrInvalidIssueURL, raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 {
		return IssueRef{}, fmt.Errorf("%w: %q", ErrInvalidIssueURL, raw)
	}

	ref := IssueRef{Host: u.Host, Owner: parts[0], Repo: parts[1]}
	switch parts[2] {
	case "issues":
	case "pulls":
		ref.Pull = true
	default:
		return IssueRef{}, fmt.Errorf("%w: %q is not an issue or pull request", ErrInvalidIssueURL, raw)
	}

	ref.Index, err = strconv.Atoi(parts[3])
	if err != nil || ref.Index <= 0 {
		return IssueRef{}, fmt.Errorf("%w: bad index %q", ErrInvalidIssueURL, parts[3])
	}
	if ref.Owner == "" || ref.Repo == "" {
		return IssueRef{}, fmt.Errorf("%w: %q", ErrInvalidIssueURL, raw)
	}
	return ref, nil
}
