package model

// ForgeGitea is the flavor segment that prefixes actor names of Gitea
// repositories.
const ForgeGitea = "gitea"

// User is a forge user as known to the bridge.
type User struct {
	ID int64 `json:"id,omitempty" yaml:"id,omitempty"`
	// UserID is the forge username, unique per forge.
	UserID     string `json:"user_id" yaml:"user_id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	ProfileURL string `json:"profile_url,omitempty" yaml:"profile_url,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
}

// Repository is a forge repository owned by a user.
type Repository struct {
	ID          int64  `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name"`
	HTMLURL     string `json:"html_url,omitempty" yaml:"html_url,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Owner       *User  `json:"owner" yaml:"owner"`
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner.UserID + "/" + r.Name
}

// ActorName returns "gitea!{owner}!{name}", the prefix of every issue actor
// name in this repository.
func (r *Repository) ActorName() string {
	return ForgeGitea + "!" + r.Owner.UserID + "!" + r.Name
}
