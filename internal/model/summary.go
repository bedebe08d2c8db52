package model

import "time"

// Summary is a flat view of an issue with its derived fields, used for
// local inspection output.
type Summary struct {
	ID          int64       `json:"id" yaml:"id"`
	ActorName   string      `json:"actor_name" yaml:"actor_name"`
	ActorURL    string      `json:"actor_url,omitempty" yaml:"actor_url,omitempty"`
	State       State       `json:"state" yaml:"state"`
	PullRequest bool        `json:"is_pull_request" yaml:"is_pull_request"`
	Title       string      `json:"title" yaml:"title"`
	HTMLURL     string      `json:"html_url" yaml:"html_url"`
	Repository  string      `json:"repository" yaml:"repository"`
	User        string      `json:"user" yaml:"user"`
	Created     time.Time   `json:"created" yaml:"created"`
	Updated     time.Time   `json:"updated" yaml:"updated"`
	Activities  []*Activity `json:"activities,omitempty" yaml:"activities,omitempty"`
}

// Summary flattens i. ActorURL and Activities are left for the caller.
func (i *Issue) Summary() Summary {
	s := Summary{
		ID:          i.ID,
		State:       i.State(),
		PullRequest: i.IsPR(),
		Title:       i.Title,
		HTMLURL:     i.HTMLURL,
		Created:     i.Created,
		Updated:     i.Updated,
	}
	if i.Repository != nil {
		s.Repository = i.Repository.FullName()
		s.ActorName = i.ActorName()
	}
	if i.User != nil {
		s.User = i.User.UserID
	}
	return s
}
