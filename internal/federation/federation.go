// Package federation renders issues as ActivityPub actor documents and
// WebFinger responses. Rendering is pure: no storage, no clock.
package federation

import (
	"strings"
	"time"

	ap "github.com/go-ap/activitypub"

	"github.com/forgeflux/fedbridge/internal/identity"
	"github.com/forgeflux/fedbridge/internal/keys"
	"github.com/forgeflux/fedbridge/internal/model"
)

const (
	// ActivityJSON is the media type of actor documents.
	ActivityJSON = "application/activity+json"
	// JRDJSON is the media type of WebFinger responses.
	JRDJSON = "application/jrd+json"

	securityContext = "https://w3id.org/security/v1"
	profilePageRel  = "http://webfinger.net/rel/profile-page"
	avatarMediaType = "image/png"
)

// Instance identifies this bridge on the fediverse.
type Instance struct {
	// BaseURL is the public root, e.g. "https://bridge.example".
	BaseURL string
	// Domain is the WebFinger domain, e.g. "bridge.example".
	Domain string
}

// ActorURL returns the issue's actor URL under inst.
func (inst Instance) ActorURL(iss *model.Issue) string {
	return identity.ActorURL(inst.BaseURL, iss.ActorName())
}

// PublicKey is the security/v1 key block of an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is an icon or header image.
type Image struct {
	Type      ap.ActivityVocabularyType `json:"type"`
	MediaType string                    `json:"mediaType"`
	URL       string                    `json:"url"`
}

// Endpoints holds the actor's shared endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

// Actor is the ActivityPub Group document for an issue.
type Actor struct {
	Context                   []string                  `json:"@context"`
	ID                        string                    `json:"id"`
	Type                      ap.ActivityVocabularyType `json:"type"`
	PreferredUsername         string                    `json:"preferredUsername"`
	Name                      string                    `json:"name"`
	Summary                   string                    `json:"summary"`
	URL                       string                    `json:"url"`
	Inbox                     string                    `json:"inbox"`
	Outbox                    string                    `json:"outbox"`
	Followers                 string                    `json:"followers"`
	Following                 string                    `json:"following"`
	PublicKey                 PublicKey                 `json:"publicKey"`
	ManuallyApprovesFollowers bool                      `json:"manuallyApprovesFollowers"`
	Discoverable              bool                      `json:"discoverable"`
	Published                 string                    `json:"published"`
	AlsoKnownAs               []string                  `json:"alsoKnownAs"`
	Tag                       []string                  `json:"tag"`
	Endpoints                 Endpoints                 `json:"endpoints"`
	Icon                      Image                     `json:"icon"`
	Image                     Image                     `json:"image"`
}

// RenderActor builds the Group actor for iss, publishing key's public half.
func RenderActor(iss *model.Issue, key *keys.KeyPair, inst Instance) Actor {
	url := inst.ActorURL(iss)
	name := iss.ActorName()
	inbox := url + "/inbox"

	var avatar string
	if iss.Repository.Owner != nil {
		avatar = iss.Repository.Owner.AvatarURL
	}
	icon := Image{Type: ap.ImageType, MediaType: avatarMediaType, URL: avatar}

	return Actor{
		Context:           []string{string(ap.ActivityBaseURI), securityContext},
		ID:                url,
		Type:              ap.GroupType,
		PreferredUsername: name,
		Name:              name,
		Summary:           "<p>" + iss.Description + "</p>",
		URL:               url,
		Inbox:             inbox,
		Outbox:            url + "/outbox",
		Followers:         url + "/followers",
		Following:         url + "/following",
		PublicKey: PublicKey{
			ID:           url + "#main-key",
			Owner:        url,
			PublicKeyPem: key.PublicPEM(),
		},
		ManuallyApprovesFollowers: false,
		Discoverable:              true,
		Published:                 iss.Created.UTC().Format(time.RFC3339),
		AlsoKnownAs:               []string{url},
		Tag:                       []string{},
		Endpoints:                 Endpoints{SharedInbox: inbox},
		Icon:                      icon,
		Image:                     icon,
	}
}

// Link is one WebFinger link relation.
type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// Webfinger is a JRD response.
type Webfinger struct {
	Subject string `json:"subject"`
	Links   []Link `json:"links"`
}

// RenderWebfinger builds the WebFinger response for iss. Both links point at
// the actor URL.
func RenderWebfinger(iss *model.Issue, inst Instance) Webfinger {
	url := inst.ActorURL(iss)
	return Webfinger{
		Subject: identity.WebfingerSubject(iss.ActorName(), inst.Domain),
		Links: []Link{
			{Rel: "self", Type: ActivityJSON, Href: url},
			{Rel: profilePageRel, Type: "text/html", Href: url},
		},
	}
}

// DomainFromBaseURL derives the WebFinger domain from a base URL when none is
// configured: "https://bridge.example/" becomes "bridge.example".
func DomainFromBaseURL(baseURL string) string {
	d := baseURL
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.Index(d, "/"); i >= 0 {
		d = d[:i]
	}
	return d
}
