// Package service is the application-facing surface of the session layer.
// It owns the connection pools, the authorization flows, the outbound
// transport and the per-account caches, and routes every mailbox operation
// through them.
package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/mailroom/mailroom/cache"
	"github.com/mailroom/mailroom/cfg"
	"github.com/mailroom/mailroom/lib"
	"github.com/mailroom/mailroom/oauth"
	"github.com/mailroom/mailroom/outbound"
	"github.com/mailroom/mailroom/pool"
	"github.com/mailroom/mailroom/remote"
)

// TokenSaver persists refreshed credentials. The service updates its own
// in-memory view either way; persisting them is the caller's concern.
type TokenSaver func(accountName string, account cfg.Account) error

type Options struct {
	Logger     lib.Logger
	SaveTokens TokenSaver
	// OAuth overrides the provider defaults, mainly for tests.
	OAuth oauth.Options
}

// Service wires the session-layer components together for a configuration.
type Service struct {
	config *cfg.Config
	pool   *pool.Manager
	oauth  *oauth.Manager
	log    lib.Logger
	save   TokenSaver

	mu     sync.Mutex
	stores map[string]cache.Store
	queues map[string]*cache.Queue
}

func New(config *cfg.Config, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = &lib.NoLog{}
	}
	oauthOptions := opts.OAuth
	if oauthOptions.CallbackPort == 0 {
		oauthOptions.CallbackPort = config.Settings.CallbackPort
	}
	if oauthOptions.FlowTimeout == 0 {
		oauthOptions.FlowTimeout = config.Settings.OAuthFlowTimeout
	}
	if oauthOptions.Logger == nil {
		oauthOptions.Logger = log
	}
	return &Service{
		config: config,
		pool: pool.NewManager(pool.Options{
			SweepInterval: config.Settings.SweepInterval,
			Logger:        log,
		}),
		oauth:  oauth.NewManager(oauthOptions),
		log:    log,
		save:   opts.SaveTokens,
		stores: map[string]cache.Store{},
		queues: map[string]*cache.Queue{},
	}
}

// Close winds down every pooled connection and cache store.
func (s *Service) Close() {
	s.pool.Shutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, queue := range s.queues {
		queue.Stop()
		delete(s.queues, name)
	}
	for name, store := range s.stores {
		if err := store.Close(); err != nil {
			s.log.Printf("closing cache store for %s: %v", name, err)
		}
		delete(s.stores, name)
	}
}

func (s *Service) account(name string) (cfg.Account, error) {
	return s.config.Account(name)
}

func (s *Service) remoteConfig(account cfg.Account) remote.Config {
	auth := remote.AuthPassword
	if account.Auth == cfg.AuthOAuth2 {
		auth = remote.AuthOAuth2
	}
	return remote.Config{
		Email:               account.Email,
		Host:                account.IMAPHost,
		Port:                account.IMAPPort,
		NoTLS:               account.IMAPNoTLS,
		SkipTLSVerification: account.SkipTLSVerification,
		Auth:                auth,
		Password:            account.Password,
		AccessToken:         account.AccessToken,
		Timeout:             s.config.Settings.ConnectTimeout,
		Logger:              s.log,
	}
}

func (s *Service) outboundConfig(account cfg.Account) outbound.Config {
	auth := remote.AuthPassword
	if account.Auth == cfg.AuthOAuth2 {
		auth = remote.AuthOAuth2
	}
	return outbound.Config{
		Host:                account.SMTPHost,
		Port:                account.SMTPPort,
		ImplicitTLS:         account.SMTPImplicitTLS,
		SkipTLSVerification: account.SkipTLSVerification,
		Email:               account.Email,
		Auth:                auth,
		Password:            account.Password,
		AccessToken:         account.AccessToken,
		Timeout:             s.config.Settings.ConnectTimeout,
		BandwidthLimit:      s.config.Settings.BandwidthLimit,
		Logger:              s.log,
	}
}

// freshAccount returns the account with a valid access token, refreshing it
// first when it is expired or about to expire.
func (s *Service) freshAccount(ctx context.Context, name string) (cfg.Account, error) {
	account, err := s.account(name)
	if err != nil {
		return cfg.Account{}, err
	}
	if account.Auth != cfg.AuthOAuth2 {
		return account, nil
	}
	if account.AccessToken != "" && time.Until(account.TokenExpiresAt) > time.Minute {
		return account, nil
	}
	if account.RefreshToken == "" {
		return cfg.Account{}, fmt.Errorf("account %q: %w", name, lib.ErrMissingToken)
	}
	s.log.Printf("access token for %s expired, refreshing", name)
	token, err := s.oauth.Refresh(ctx, account.RefreshToken)
	if err != nil {
		return cfg.Account{}, fmt.Errorf("account %q: %w", name, err)
	}
	return s.storeToken(name, account, token)
}

func (s *Service) storeToken(name string, account cfg.Account, token *oauth.Token) (cfg.Account, error) {
	account.AccessToken = token.AccessToken
	account.RefreshToken = token.RefreshToken
	account.TokenExpiresAt = token.ExpiresAt
	s.config.Accounts[name] = account
	if s.save != nil {
		if err := s.save(name, account); err != nil {
			return account, fmt.Errorf("cannot persist tokens for %q: %w", name, err)
		}
	}
	return account, nil
}

// withSession resolves the account, freshens its token and runs one
// operation through the chosen pool.
func (s *Service) withSession(ctx context.Context, kind pool.Kind, name string, operation func(session *remote.Session) error) error {
	account, err := s.freshAccount(ctx, name)
	if err != nil {
		return err
	}
	remoteCfg := s.remoteConfig(account)
	if kind == pool.Background {
		// bulk traffic yields bandwidth to interactive sessions
		remoteCfg.BandwidthLimit = s.config.Settings.BandwidthLimit
	}
	return s.pool.WithSession(kind, remoteCfg, operation)
}

// ListFolders returns the folder tree of an account.
func (s *Service) ListFolders(ctx context.Context, name string) ([]*remote.Folder, error) {
	var folders []*remote.Folder
	err := s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		var err error
		folders, err = session.ListFolders()
		return err
	})
	return folders, err
}

// FetchRange returns message headers by display-index range.
func (s *Service) FetchRange(ctx context.Context, name, folder string, startIndex, endIndex uint32) (*remote.RangeResult, error) {
	var result *remote.RangeResult
	err := s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		var err error
		result, err = session.FetchRange(folder, startIndex, endIndex)
		return err
	})
	return result, err
}

// FolderStatus returns the lightweight change-detection state of a folder.
func (s *Service) FolderStatus(ctx context.Context, name, folder string) (*remote.FolderStatus, error) {
	var status *remote.FolderStatus
	err := s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		var err error
		status, err = session.Status(folder)
		return err
	})
	return status, err
}

// FetchOne returns a complete message, from the local cache when present.
// A message fetched from the server is cached on the way through.
func (s *Service) FetchOne(ctx context.Context, name, folder string, uid uint32) (*remote.FullEmail, error) {
	store, err := s.storeFor(name)
	if err != nil {
		return nil, err
	}
	if raw, err := store.Get(folder, uid); err == nil {
		email, err := remote.ParseMessage(raw)
		if err == nil {
			email.UID = uid
			s.log.Printf("uid=%d served from local cache", uid)
			return email, nil
		}
		s.log.Printf("cached uid=%d is unreadable, refetching: %v", uid, err)
	}

	var email *remote.FullEmail
	err = s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		var err error
		email, err = session.FetchMessage(folder, uid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw, err := base64.StdEncoding.DecodeString(email.RawSource); err == nil {
		if err := store.Put(folder, uid, email.Flags, raw); err != nil {
			s.log.Printf("cannot cache uid=%d: %v", uid, err)
		}
	}
	return email, nil
}

// MutateFlags adds or removes flags on a message.
func (s *Service) MutateFlags(ctx context.Context, name, folder string, uid uint32, flags []string, add bool) error {
	return s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		return session.StoreFlags(folder, uid, flags, add)
	})
}

// DeleteMessage deletes one message, moving it to trash unless permanent.
// The cached copy goes with it.
func (s *Service) DeleteMessage(ctx context.Context, name, folder string, uid uint32, permanent bool) error {
	err := s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		return session.Delete(folder, uid, permanent, s.config.Settings.TrashFolders)
	})
	if err != nil {
		return err
	}
	if store, storeErr := s.storeFor(name); storeErr == nil {
		if cacheErr := store.Delete(folder, uid); cacheErr != nil {
			s.log.Printf("cannot drop cached uid=%d: %v", uid, cacheErr)
		}
	}
	return nil
}

// Search runs a server-side search, capped to the configured limit.
func (s *Service) Search(ctx context.Context, name, folder, query string, filter remote.SearchFilter) ([]*remote.EmailHeader, uint32, error) {
	var emails []*remote.EmailHeader
	var total uint32
	err := s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
		var err error
		emails, total, err = session.Search(folder, query, filter, s.config.Settings.SearchLimit)
		return err
	})
	return emails, total, err
}

// SendMessage delivers a message over the account's submission server and
// returns the message id it was sent with.
func (s *Service) SendMessage(ctx context.Context, name string, msg *outbound.Message) (string, error) {
	account, err := s.freshAccount(ctx, name)
	if err != nil {
		return "", err
	}
	return outbound.Send(s.outboundConfig(account), msg)
}

// TestConnection verifies that the account can connect and authenticate.
func (s *Service) TestConnection(ctx context.Context, name string) error {
	account, err := s.freshAccount(ctx, name)
	if err != nil {
		return err
	}
	return remote.TestConnection(s.remoteConfig(account))
}

// BeginAuthorization starts a browser sign-in for an account and returns
// the URL to open.
func (s *Service) BeginAuthorization(name string) (authURL, state string, err error) {
	account, err := s.account(name)
	if err != nil {
		return "", "", err
	}
	return s.oauth.BeginAuthorization(account.Email)
}

// CompleteAuthorization waits for the browser redirect, exchanges the code
// and stores the tokens on the account.
func (s *Service) CompleteAuthorization(ctx context.Context, name, state string) error {
	account, err := s.account(name)
	if err != nil {
		return err
	}
	token, err := s.oauth.ExchangeCode(ctx, state)
	if err != nil {
		return err
	}
	account.Auth = cfg.AuthOAuth2
	_, err = s.storeToken(name, account, token)
	return err
}

// RefreshToken forces a token refresh for an account.
func (s *Service) RefreshToken(ctx context.Context, name string) error {
	account, err := s.account(name)
	if err != nil {
		return err
	}
	if account.RefreshToken == "" {
		return fmt.Errorf("account %q: %w", name, lib.ErrMissingToken)
	}
	token, err := s.oauth.Refresh(ctx, account.RefreshToken)
	if err != nil {
		return err
	}
	_, err = s.storeToken(name, account, token)
	return err
}
