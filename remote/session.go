package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	uidplus "github.com/emersion/go-imap-uidplus"

	"github.com/mailroom/mailroom/lib"
	"github.com/mailroom/mailroom/rateio"
)

// AuthMode selects how a session authenticates to the server.
type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthOAuth2   AuthMode = "oauth2"
)

const (
	// DefaultTimeout bounds the dial, the TLS handshake, the greeting and
	// every subsequent command round-trip.
	DefaultTimeout = 30 * time.Second

	defaultPort = 993
)

// Config describes one connection to a mail-retrieval server. The session
// layer reads it per call and never stores credentials beyond the lifetime
// of the connection it opens.
type Config struct {
	Email               string
	Host                string
	Port                int
	NoTLS               bool
	SkipTLSVerification bool
	Auth                AuthMode
	Password            string
	AccessToken         string
	Timeout             time.Duration
	// BandwidthLimit caps downloads, in bytes per second. Zero is unlimited.
	BandwidthLimit float64
	Logger         lib.Logger
}

// Key addresses at most one live session per pool for this account+host.
func (cfg Config) Key() string {
	return cfg.Email + "-" + cfg.Host
}

func (cfg Config) addr(ip string) string {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

func (cfg Config) timeout() time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return DefaultTimeout
}

// Session is a live, authenticated connection to a mail-retrieval server.
// It is usable until an operation fails or the connection closes; after
// that it must be discarded and replaced.
type Session struct {
	client    *client.Client
	uidplus   *uidplus.Client
	cfg       Config
	log       lib.Logger
	mu        sync.Mutex
	usable    bool
	delimiter string
}

// NewSession opens, secures and authenticates a new connection.
func NewSession(cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = &lib.NoLog{}
	}
	if cfg.Email == "" || cfg.Host == "" {
		return nil, fmt.Errorf("missing account email or server host")
	}
	timeout := cfg.timeout()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// IPv4 only: some providers publish broken IPv6 records that hang the
	// dial until the full timeout expires.
	ip, err := resolveIPv4(ctx, cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", cfg.Host, err)
	}
	addr := cfg.addr(ip)
	log.Printf("Connecting to %s (%s)...", cfg.Host, addr)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to server %s: %w", addr, err)
	}

	if !cfg.NoTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.SkipTLSVerification,
		})
		_ = tlsConn.SetDeadline(time.Now().Add(timeout))
		if err = tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", cfg.Host, err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	conn = rateio.WrapConn(conn, cfg.BandwidthLimit, 0)

	// bound the server greeting as well
	_ = conn.SetDeadline(time.Now().Add(timeout))
	imapClient, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("cannot read greeting from %s: %w", cfg.Host, err)
	}
	_ = conn.SetDeadline(time.Time{})
	imapClient.Timeout = timeout
	log.Print("Connected")

	switch cfg.Auth {
	case AuthOAuth2:
		if cfg.AccessToken == "" {
			_ = imapClient.Terminate()
			return nil, lib.ErrMissingToken
		}
		if err = imapClient.Authenticate(newXOAuth2Client(cfg.Email, cfg.AccessToken)); err != nil {
			_ = imapClient.Terminate()
			return nil, fmt.Errorf("XOAUTH2 authentication failed for %s: %w", cfg.Email, err)
		}
	default:
		if cfg.Password == "" {
			_ = imapClient.Terminate()
			return nil, lib.ErrMissingPassword
		}
		if err = imapClient.Login(cfg.Email, cfg.Password); err != nil {
			_ = imapClient.Terminate()
			return nil, fmt.Errorf("authentication failure for %s: %w", cfg.Email, err)
		}
	}
	log.Printf("Logged in as %s", cfg.Email)

	// try to enable the UIDPLUS extension, used for targeted expunge
	uidExt := uidplus.NewClient(imapClient)
	supported, err := uidExt.SupportUidPlus()
	if err != nil || !supported {
		log.Print("server does NOT support the UIDPLUS extension")
		uidExt = nil
	}

	return &Session{
		client:  imapClient,
		uidplus: uidExt,
		cfg:     cfg,
		log:     log,
		usable:  true,
	}, nil
}

// Usable reports whether the session is still believed to be alive. It flips
// false permanently once an operation fails or the connection closes.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usable
}

// Closed is closed when the underlying connection terminates, whether by
// logout or by a network failure.
func (s *Session) Closed() <-chan struct{} {
	return s.client.LoggedOut()
}

// Key returns the pool key of the account this session belongs to.
func (s *Session) Key() string {
	return s.cfg.Key()
}

// SupportUIDPlus reports whether the server advertised UIDPLUS (RFC 4315).
func (s *Session) SupportUIDPlus() bool {
	return s.uidplus != nil
}

// Noop sends a liveness check. An error marks the session unusable.
func (s *Session) Noop() error {
	return s.fail(s.client.Noop())
}

// Logout closes the connection and marks the session unusable.
func (s *Session) Logout() error {
	s.markBroken()
	return s.client.Logout()
}

// DiscardLogout is the best-effort cleanup used on eviction and shutdown.
// Failures here are intentionally non-fatal: the session is being thrown
// away either way and the server will reap the connection.
func (s *Session) DiscardLogout() {
	s.markBroken()
	if err := s.client.Logout(); err != nil {
		s.log.Printf("discarding logout error for %s: %v", s.cfg.Email, err)
	}
}

func (s *Session) markBroken() {
	s.mu.Lock()
	s.usable = false
	s.mu.Unlock()
}

// fail records an operation failure: any error flips the liveness flag so
// the pool replaces this session instead of reusing it. Domain outcomes like
// a missing message are clean protocol answers, not connection failures, and
// leave the session alive.
func (s *Session) fail(err error) error {
	if err != nil && !errors.Is(err, lib.ErrMessageNotFound) && !errors.Is(err, lib.ErrFolderNotFound) {
		s.markBroken()
	}
	return err
}

func resolveIPv4(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return "", fmt.Errorf("%s is not an IPv4 address", host)
		}
		return host, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no IPv4 address found for %s", host)
	}
	return ips[0].String(), nil
}

// TestConnection opens a session with the given configuration and closes it
// again, reporting any connection or authentication failure.
func TestConnection(cfg Config) error {
	session, err := NewSession(cfg)
	if err != nil {
		return err
	}
	return session.Logout()
}
