package credstore

import (
	"slices"
	"time"
)

// CredentialSet is the unit of persisted auth state for one client.
type CredentialSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	ClientID     string    `json:"client_id"`
}

// Expired reports whether the access token must be treated as expired at now.
// A token expiring within margin of now counts as expired.
func (c *CredentialSet) Expired(now time.Time, margin time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(margin))
}

// CanRefresh reports whether a refresh grant is possible.
func (c *CredentialSet) CanRefresh() bool {
	return c.RefreshToken != ""
}

// MissingScopes returns the required scopes that were not granted, in the
// order they were required.
func (c *CredentialSet) MissingScopes(required []string) []string {
	var missing []string
	for _, scope := range required {
		if !slices.Contains(c.Scopes, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// Covers reports whether the granted scopes are a superset of required.
func (c *CredentialSet) Covers(required []string) bool {
	return len(c.MissingScopes(required)) == 0
}

// Clone returns a deep copy.
func (c *CredentialSet) Clone() *CredentialSet {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// NormalizeScopes sorts and de-duplicates a scope list.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
