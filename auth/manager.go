package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/pkce-cli/credstore"
)

// DefaultSafetyMargin is how long before the literal expiry a token is
// already treated as expired.
const DefaultSafetyMargin = 60 * time.Second

// Store is the durable copy of the credential set.
type Store interface {
	Load() (*credstore.CredentialSet, error)
	Save(*credstore.CredentialSet) error
	Clear() error
}

// Refresher performs the refresh grant against the token endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Manager owns the in-memory credential set and its state. It hands out
// access tokens, refreshing them at most once at a time no matter how many
// callers need one.
type Manager struct {
	store     Store
	refresher Refresher
	clientID  string
	scopes    []string
	margin    time.Duration
	now       func() time.Time
	log       zerolog.Logger
	onChange  func(Transition)

	// hookMu serializes hook delivery so transitions arrive in order.
	hookMu sync.Mutex

	mu    sync.Mutex
	state State
	creds *credstore.CredentialSet
	// gen identifies the current credential set; it changes on every
	// refresh claim, login and logout.
	gen uint64
	// pending is the refresh function registered under key gen while
	// state is StateRefreshing.
	pending func() (any, error)
	group   singleflight.Group
	// queued holds transitions not yet delivered to onChange.
	queued []Transition
}

// Transition is one state change as reported to the state hook.
type Transition struct {
	From State
	To   State
	// Err is a failure that did not prevent the transition, such as the
	// store rejecting a refreshed credential set.
	Err error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.margin = d
	}
}

// WithLogger sets the logger. Token values are never logged.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// WithStateHook registers fn to be called on every state transition.
// fn is called in transition order after the manager is unlocked, so a slow
// fn never blocks callers holding a valid token. It may read the manager
// but must not change its state.
func WithStateHook(fn func(Transition)) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager creates a manager in StateUnauthenticated. Call Load to pick up
// stored credentials.
func NewManager(
	clientID string,
	scopes []string,
	store Store,
	refresher Refresher,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		clientID:  clientID,
		scopes:    credstore.NormalizeScopes(scopes),
		margin:    DefaultSafetyMargin,
		now:       time.Now,
		log:       zerolog.Nop(),
		state:     StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load initializes the state from the store. A stored set that does not
// cover the required scopes is ignored and the scopes it lacks are returned.
// A store I/O failure leaves the manager unauthenticated and is returned.
func (m *Manager) Load() ([]string, error) {
	m.mu.Lock()
	defer m.unlock()

	creds, err := m.store.Load()
	if err != nil {
		m.creds = nil
		m.setState(StateUnauthenticated)
		return nil, err
	}
	if creds == nil {
		m.creds = nil
		m.setState(StateUnauthenticated)
		return nil, nil
	}

	if missing := creds.MissingScopes(m.scopes); len(missing) > 0 {
		m.log.Info().
			Strs("missing_scopes", missing).
			Msg("stored credentials do not cover required scopes, reauthorization required")
		m.creds = nil
		m.setState(StateUnauthenticated)
		return missing, nil
	}

	m.gen++
	m.creds = creds
	if creds.Expired(m.now(), m.margin) {
		m.setState(StateExpired)
	} else {
		m.setState(StateValid)
	}
	return nil, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credentials returns a copy of the current credential set, or nil.
func (m *Manager) Credentials() *credstore.CredentialSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Clone()
}

// Scopes returns the scopes the application requires.
func (m *Manager) Scopes() []string {
	return append([]string(nil), m.scopes...)
}

// Token returns a valid access token. It returns immediately when the
// current token is valid; otherwise it waits for the single in-flight
// refresh, starting one if none is running. Cancelling ctx detaches the
// caller without stopping the refresh.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()

	if m.state == StateValid && m.creds.Expired(m.now(), m.margin) {
		m.setState(StateExpired)
	}

	switch m.state {
	case StateValid:
		token := m.creds.AccessToken
		m.unlock()
		return token, nil

	case StateUnauthenticated, StateRevoked:
		m.unlock()
		return "", ErrReauthorizationRequired

	case StateExpired:
		if !m.creds.CanRefresh() {
			m.log.Info().Msg("access token expired and no refresh token available")
			m.creds = nil
			m.gen++
			m.setState(StateUnauthenticated)
			m.unlock()
			return "", ErrReauthorizationRequired
		}
		m.claimRefresh(ctx)
	}

	// StateRefreshing: attach to the pending refresh while still holding the
	// lock, so the call cannot complete between the check and the attach.
	ch := m.group.DoChan(strconv.FormatUint(m.gen, 10), m.pending)
	m.unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// claimRefresh moves Expired to Refreshing and registers the refresh
// function for the new generation. m.mu must be held.
func (m *Manager) claimRefresh(ctx context.Context) {
	m.gen++
	gen := m.gen
	refreshToken := m.creds.RefreshToken
	// The refresh outlives any single caller
	refreshCtx := context.WithoutCancel(ctx)

	m.pending = func() (any, error) {
		return m.refresh(refreshCtx, gen, refreshToken)
	}
	m.setState(StateRefreshing)
}

// refresh is the body of the pending refresh handle. It runs exactly once
// per generation.
func (m *Manager) refresh(ctx context.Context, gen uint64, refreshToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTokenTimeout)
	defer cancel()

	start := m.now()
	m.log.Debug().Str("client_id", m.clientID).Msg("refreshing access token")

	resp, err := m.refresher.Refresh(ctx, refreshToken)

	m.mu.Lock()
	defer m.unlock()

	if m.gen != gen {
		// Login or logout replaced the credentials while the refresh was in flight
		m.log.Debug().Msg("discarding superseded refresh result")
		if m.state == StateValid {
			return m.creds.AccessToken, nil
		}
		return "", ErrReauthorizationRequired
	}
	m.pending = nil

	if err != nil {
		if isTerminalGrantError(err) {
			m.log.Warn().Err(err).Msg("refresh token rejected, clearing credentials")
			m.creds = nil
			m.setState(StateRevoked)
			if clearErr := m.store.Clear(); clearErr != nil {
				m.log.Error().Err(clearErr).Msg("failed to clear credential store")
				return "", fmt.Errorf("%w: %w", ErrReauthorizationRequired, errors.Join(err, clearErr))
			}
			return "", fmt.Errorf("%w: %w", ErrReauthorizationRequired, err)
		}

		m.log.Warn().Err(err).Dur("elapsed", m.now().Sub(start)).Msg("token refresh failed")
		m.setState(StateExpired)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	creds := newCredentialSet(resp, m.now(), refreshToken, m.creds.Scopes, m.clientID)
	if missing := creds.MissingScopes(m.scopes); len(missing) > 0 {
		m.log.Warn().Strs("missing_scopes", missing).Msg("refreshed token lost required scopes")
		m.creds = nil
		m.setState(StateRevoked)
		if clearErr := m.store.Clear(); clearErr != nil {
			m.log.Error().Err(clearErr).Msg("failed to clear credential store")
		}
		return "", fmt.Errorf("%w: scopes no longer granted: %v", ErrReauthorizationRequired, missing)
	}

	m.creds = creds
	if err := m.store.Save(creds); err != nil {
		// The new token is still usable for this process
		m.log.Error().Err(err).Msg("failed to persist refreshed credentials")
		m.setStateErr(StateValid, err)
	} else {
		m.setState(StateValid)
	}
	m.log.Info().
		Time("expires_at", creds.ExpiresAt).
		Bool("refresh_token_rotated", resp.RefreshToken != "").
		Msg("access token refreshed")

	return creds.AccessToken, nil
}

// Invalidate marks token as expired when it is still the current access
// token. It is called when the service rejected token even though its local
// expiry had not passed. A token that was already replaced is ignored.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateValid || m.creds == nil || m.creds.AccessToken != token {
		return
	}
	m.log.Info().Msg("access token rejected by service, marking expired")
	m.setState(StateExpired)
}

// Adopt installs a freshly obtained credential set, persists it and moves to
// StateValid. The set must cover the required scopes.
func (m *Manager) Adopt(creds *credstore.CredentialSet) error {
	if creds == nil || creds.AccessToken == "" {
		return errors.New("empty credential set")
	}
	if missing := creds.MissingScopes(m.scopes); len(missing) > 0 {
		return fmt.Errorf("%w: scopes not granted: %v", ErrAuthorizationExchangeFailed, missing)
	}

	m.mu.Lock()
	defer m.unlock()

	m.gen++
	m.pending = nil
	m.creds = creds.Clone()
	m.setState(StateValid)

	if err := m.store.Save(m.creds); err != nil {
		return err
	}
	return nil
}

// Login runs the interactive authorization flow and adopts its result.
func (m *Manager) Login(ctx context.Context, flow *Flow) error {
	creds, err := flow.Run(ctx)
	if err != nil {
		return err
	}
	return m.Adopt(creds)
}

// Logout drops the credentials and clears the store.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.unlock()

	m.gen++
	m.pending = nil
	m.creds = nil
	m.setState(StateUnauthenticated)
	return m.store.Clear()
}

// setState records a transition. m.mu must be held.
func (m *Manager) setState(to State) {
	m.setStateErr(to, nil)
}

// setStateErr records a transition carrying a non-fatal error. The hook sees
// a transition with an error even when the state does not change.
func (m *Manager) setStateErr(to State, err error) {
	from := m.state
	m.state = to
	if from == to && err == nil {
		return
	}
	m.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("token state changed")
	if m.onChange != nil {
		m.queued = append(m.queued, Transition{From: from, To: to, Err: err})
	}
}

// unlock releases m.mu and delivers queued transitions to the hook.
func (m *Manager) unlock() {
	hasQueued := len(m.queued) > 0
	m.mu.Unlock()
	if hasQueued {
		m.dispatch()
	}
}

// dispatch drains the transition queue. Only one goroutine delivers at a
// time and m.mu is not held while the hook runs.
func (m *Manager) dispatch() {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	for {
		m.mu.Lock()
		batch := m.queued
		m.queued = nil
		m.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			m.onChange(t)
		}
	}
}
