// Package identity derives and parses the federated identity of an issue:
// its actor name, actor URL and WebFinger subject.
//
// An issue actor name has five segments joined by "!":
//
//	{flavor}!{owner}!{repo}!issue!{scope_id}
//
// where the first three form the repository actor name. Owners, repository
// names and scope ids containing "!" or "@" cannot be represented.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates actor name segments.
	Delimiter = "!"
	// IssueMarker is the literal fourth segment of an issue actor name.
	IssueMarker = "issue"

	actorPath  = "/i/"
	acctPrefix = "acct:"
	segments   = 5
)

// ErrInvalidActorName is returned for actor names that do not follow the
// issue grammar.
var ErrInvalidActorName = errors.New("invalid actor name")

// Name is a parsed issue actor name.
type Name struct {
	Flavor  string
	Owner   string
	Repo    string
	ScopeID string
}

// String re-encodes the name.
func (n Name) String() string {
	return Encode(strings.Join([]string{n.Flavor, n.Owner, n.Repo}, Delimiter), n.ScopeID)
}

// Encode builds the issue actor name from the repository actor name and the
// issue's repository scoped id.
func Encode(repoActorName, scopeID string) string {
	return repoActorName + Delimiter + IssueMarker + Delimiter + scopeID
}

// Decode parses an issue actor name.
func Decode(name string) (Name, error) {
	if !strings.Contains(name, Delimiter) {
		return Name{}, fmt.Errorf("%w: %q has no %q delimiter", ErrInvalidActorName, name, Delimiter)
	}
	parts := strings.Split(name, Delimiter)
	if len(parts) != segments {
		return Name{}, fmt.Errorf("%w: %q has %d segments, want %d", ErrInvalidActorName, name, len(parts), segments)
	}
	if parts[3] != IssueMarker {
		return Name{}, fmt.Errorf("%w: %q is not an issue actor", ErrInvalidActorName, name)
	}
	for i, p := range parts {
		if p == "" {
			return Name{}, fmt.Errorf("%w: %q has empty segment %d", ErrInvalidActorName, name, i)
		}
	}
	if strings.Contains(name, "@") {
		return Name{}, fmt.Errorf("%w: %q contains '@'", ErrInvalidActorName, name)
	}
	return Name{Flavor: parts[0], Owner: parts[1], Repo: parts[2], ScopeID: parts[4]}, nil
}

// ActorURL returns "{baseURL}/i/{name}".
func ActorURL(baseURL, name string) string {
	return strings.TrimSuffix(baseURL, "/") + actorPath + name
}

// ActorNameFromURL extracts the actor name from an actor URL issued under
// baseURL. ok is false for URLs that do not belong to baseURL.
func ActorNameFromURL(baseURL, url string) (name string, ok bool) {
	prefix := strings.TrimSuffix(baseURL, "/") + actorPath
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	name = strings.TrimSuffix(strings.TrimPrefix(url, prefix), "/")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// WebfingerSubject returns "acct:{name}@{domain}".
func WebfingerSubject(name, domain string) string {
	return acctPrefix + name + "@" + domain
}

// ParseWebfingerResource splits an "acct:{name}@{domain}" resource. The
// "acct:" prefix is optional.
func ParseWebfingerResource(resource string) (name, domain string, err error) {
	r := strings.TrimPrefix(resource, acctPrefix)
	at := strings.LastIndex(r, "@")
	if at <= 0 || at == len(r)-1 {
		return "", "", fmt.Errorf("%w: resource %q", ErrInvalidActorName, resource)
	}
	return r[:at], r[at+1:], nil
}
