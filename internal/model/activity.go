package model

import (
	"time"

	ap "github.com/go-ap/activitypub"
)

// ActivityType names an entry in the append-only activity log using the
// ActivityStreams vocabulary.
type ActivityType string

const (
	ActivityCreate ActivityType = ActivityType(ap.CreateType)
)

// Activity records something a user did to an issue.
type Activity struct {
	ID      int64        `json:"id,omitempty" yaml:"id,omitempty"`
	UserID  int64        `json:"user_id" yaml:"user_id"`
	IssueID int64        `json:"issue_id" yaml:"issue_id"`
	Type    ActivityType `json:"activity" yaml:"activity"`
	Created time.Time    `json:"created" yaml:"created"`
}
