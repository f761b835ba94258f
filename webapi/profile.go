package webapi

import (
	"context"
	"net/http"
)

// Profile is the current user's account as returned by GET /me.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Country     string `json:"country"`
	Product     string `json:"product"`
}

// CurrentUser fetches the profile of the authorized user.
func (c *Client) CurrentUser(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.Get(ctx, "/me", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PlaybackState is the subset of GET /me/player the CLI shows.
type PlaybackState struct {
	IsPlaying bool `json:"is_playing"`
	Device    struct {
		Name string `json:"name"`
	} `json:"device"`
	Item *struct {
		Name string `json:"name"`
	} `json:"item"`
}

// Playback returns the current playback state, or nil when nothing is
// playing (the API answers 204 with no body).
func (c *Client) Playback(ctx context.Context) (*PlaybackState, error) {
	body, err := c.Do(ctx, http.MethodGet, "/me/player", nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var p PlaybackState
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
