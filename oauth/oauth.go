// Package oauth drives the authorization-code flow used by providers that
// no longer accept passwords for mail access. The browser does the sign-in;
// this package hands out the authorization URL, catches the redirect on a
// loopback listener and exchanges the code for tokens.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailroom/mailroom/lib"
)

const (
	// Public client id registered by Thunderbird, usable by any desktop
	// mail client when no dedicated registration is configured.
	fallbackClientID = "9e5f94bc-e8a4-4e73-b8be-63364c29d753"

	envClientID     = "MAILROOM_MS_CLIENT_ID"
	envClientSecret = "MAILROOM_MS_CLIENT_SECRET"

	// DefaultCallbackPort is where the loopback listener waits for the
	// provider redirect. It must match the redirect URI of the client
	// registration.
	DefaultCallbackPort = 19876

	callbackPath = "/callback"

	// DefaultFlowTimeout bounds how long a pending authorization waits for
	// the user to finish signing in.
	DefaultFlowTimeout = 5 * time.Minute
)

// Microsoft is the endpoint for outlook.com and Microsoft 365 mailboxes,
// the one provider family that requires this flow for IMAP and SMTP.
var Microsoft = oauth2.Endpoint{
	AuthURL:   "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
	TokenURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

var microsoftScopes = []string{
	"offline_access",
	"https://outlook.office.com/IMAP.AccessAsUser.All",
	"https://outlook.office.com/SMTP.Send",
}

// Token is the credential triple stored per account.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type callbackResult struct {
	code string
	err  error
}

// flow is one pending authorization, addressable by its state value.
type flow struct {
	verifier  string
	result    chan callbackResult
	timer     *time.Timer
	delivered bool
}

// Options configures a Manager. Zero values fall back to the Microsoft
// defaults; tests override the endpoint and port.
type Options struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string
	CallbackPort int
	FlowTimeout  time.Duration
	Logger       lib.Logger
}

// Manager tracks pending authorization flows and owns the loopback
// listener. The listener only runs while at least one flow is pending.
type Manager struct {
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	scopes       []string
	port         int
	flowTimeout  time.Duration
	log          lib.Logger

	mu    sync.Mutex
	flows map[string]*flow

	listener *loopbackListener
}

func NewManager(opts Options) *Manager {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = envValue(envClientID)
	}
	if clientID == "" {
		clientID = fallbackClientID
	}
	clientSecret := opts.ClientSecret
	if clientSecret == "" {
		clientSecret = envValue(envClientSecret)
	}
	endpoint := opts.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = Microsoft
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = microsoftScopes
	}
	port := opts.CallbackPort
	if port == 0 {
		port = DefaultCallbackPort
	}
	flowTimeout := opts.FlowTimeout
	if flowTimeout == 0 {
		flowTimeout = DefaultFlowTimeout
	}
	log := opts.Logger
	if log == nil {
		log = &lib.NoLog{}
	}
	manager := &Manager{
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoint:     endpoint,
		scopes:       scopes,
		port:         port,
		flowTimeout:  flowTimeout,
		log:          log,
		flows:        map[string]*flow{},
	}
	manager.listener = newLoopbackListener(port, manager.handleCallback, log)
	return manager
}

// envValue filters out empty values and the literal "undefined" a misbehaved
// launcher can leave in the environment.
func envValue(name string) string {
	value := os.Getenv(name)
	if value == "undefined" {
		return ""
	}
	return value
}

func (m *Manager) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		Endpoint:     m.endpoint,
		RedirectURL:  fmt.Sprintf("http://localhost:%d%s", m.port, callbackPath),
		Scopes:       m.scopes,
	}
}

// BeginAuthorization starts a new flow: it ensures the loopback listener is
// running, registers the state and returns the URL to open in the browser.
// The flow expires on its own when the user never completes the sign-in.
func (m *Manager) BeginAuthorization(loginHint string) (authURL, state string, err error) {
	if err := m.listener.acquire(); err != nil {
		return "", "", fmt.Errorf("cannot start callback listener: %w", err)
	}

	state = lib.RandomHex(16)
	verifier := oauth2.GenerateVerifier()

	pending := &flow{
		verifier: verifier,
		result:   make(chan callbackResult, 1),
	}
	pending.timer = time.AfterFunc(m.flowTimeout, func() { m.expire(state) })

	m.mu.Lock()
	m.flows[state] = pending
	m.mu.Unlock()

	options := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("response_mode", "query"),
	}
	if loginHint != "" {
		options = append(options, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	m.log.Printf("authorization flow %s started", state)
	return m.config().AuthCodeURL(state, options...), state, nil
}

// ExchangeCode blocks until the browser redirect delivers an authorization
// code for this state, then trades it for tokens. The flow is consumed
// whatever the outcome.
func (m *Manager) ExchangeCode(ctx context.Context, state string) (*Token, error) {
	m.mu.Lock()
	pending := m.flows[state]
	m.mu.Unlock()
	if pending == nil {
		return nil, fmt.Errorf("no pending authorization for this state")
	}
	defer m.complete(state)

	var result callbackResult
	select {
	case result = <-pending.result:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.err != nil {
		return nil, result.err
	}

	m.log.Print("exchanging authorization code for tokens")
	token, err := m.config().Exchange(ctx, result.code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return nil, tokenError("token exchange failed", err)
	}
	return &Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

// Refresh trades a refresh token for a new access token. Providers may
// rotate the refresh token; when they do not, the old one is kept.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, lib.ErrMissingToken
	}
	source := m.config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, tokenError("token refresh failed", err)
	}
	result := &Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// PendingFlows reports how many authorizations are waiting on the user.
func (m *Manager) PendingFlows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// expire is the flow timeout: the waiter gets an error and the flow is
// dropped so a late redirect for this state is rejected.
func (m *Manager) expire(state string) {
	m.mu.Lock()
	pending := m.flows[state]
	if pending != nil && !pending.delivered {
		pending.delivered = true
		pending.result <- callbackResult{err: errors.New("authorization timed out, no response from the browser")}
	}
	m.mu.Unlock()
	if pending != nil {
		m.log.Printf("authorization flow %s expired", state)
		m.complete(state)
	}
}

// complete removes a flow and releases the listener once no flow needs it.
func (m *Manager) complete(state string) {
	m.mu.Lock()
	pending := m.flows[state]
	delete(m.flows, state)
	m.mu.Unlock()
	if pending == nil {
		return
	}
	pending.timer.Stop()
	m.listener.release()
}

// handleCallback receives the provider redirect. The state parameter routes
// the result to its pending flow; each state is honored exactly once.
func (m *Manager) handleCallback(state, code, errCode, errDescription string) (delivered bool, err error) {
	var result callbackResult
	switch {
	case errCode != "":
		description := errDescription
		if description == "" {
			description = errCode
		}
		result = callbackResult{err: fmt.Errorf("authorization failed: %s", description)}
	case code != "":
		result = callbackResult{code: code}
	default:
		return false, errors.New("missing authorization code")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.flows[state]
	if pending == nil || pending.delivered {
		return false, errors.New("unknown or already used state")
	}
	pending.delivered = true
	pending.result <- result
	return true, result.err
}

func tokenError(action string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
		if retrieveErr.ErrorDescription != "" {
			return fmt.Errorf("%s: %s: %s", action, retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
		}
		return fmt.Errorf("%s: %s", action, retrieveErr.ErrorCode)
	}
	return fmt.Errorf("%s: %w", action, err)
}
