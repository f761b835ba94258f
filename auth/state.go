package auth

// State is the validity of the in-memory credential set.
type State int

const (
	// StateUnauthenticated means no credentials are held.
	StateUnauthenticated State = iota

	// StateValid means the access token can be handed out.
	StateValid

	// StateExpired means the access token is past its safety margin, or the
	// service rejected it, and a refresh is needed.
	StateExpired

	// StateRefreshing means a refresh is in flight.
	StateRefreshing

	// StateRevoked means the refresh token was rejected. Credentials and
	// the store have been cleared; it behaves like StateUnauthenticated.
	StateRevoked
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateRefreshing:
		return "refreshing"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Authenticated reports whether the state holds credentials.
func (s State) Authenticated() bool {
	return s == StateValid || s == StateExpired || s == StateRefreshing
}
