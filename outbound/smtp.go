// Package outbound sends mail over SMTP. Transport is stateless: every send
// opens a fresh connection, delivers one message and quits, so there is no
// connection state to manage between sends.
package outbound

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/mailroom/mailroom/lib"
	"github.com/mailroom/mailroom/rateio"
	"github.com/mailroom/mailroom/remote"
)

const (
	// DefaultTimeout bounds the dial and the TLS handshake.
	DefaultTimeout = 30 * time.Second

	defaultPortStartTLS = 587
	defaultPortImplicit = 465
)

// Config describes one submission server. ImplicitTLS selects a TLS
// connection from the first byte (port 465 style); otherwise the connection
// is upgraded with STARTTLS when the server offers it.
type Config struct {
	Host                string
	Port                int
	ImplicitTLS         bool
	SkipTLSVerification bool
	Email               string
	Auth                remote.AuthMode
	Password            string
	AccessToken         string
	Timeout             time.Duration
	// BandwidthLimit caps the message upload, in bytes per second.
	// Zero is unlimited.
	BandwidthLimit float64
	Logger         lib.Logger
}

func (cfg Config) addr() string {
	port := cfg.Port
	if port == 0 {
		if cfg.ImplicitTLS {
			port = defaultPortImplicit
		} else {
			port = defaultPortStartTLS
		}
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

func (cfg Config) timeout() time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return DefaultTimeout
}

func (cfg Config) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipTLSVerification,
	}
}

// Send delivers one message and returns its message id for reply threading.
func Send(cfg Config, msg *Message) (string, error) {
	log := cfg.Logger
	if log == nil {
		log = &lib.NoLog{}
	}
	if cfg.Host == "" || cfg.Email == "" {
		return "", errors.New("missing submission server host or account email")
	}
	recipients := msg.recipients()
	if len(recipients) == 0 {
		return "", errors.New("message has no recipients")
	}

	raw, messageID, err := msg.compose(time.Now())
	if err != nil {
		return "", err
	}

	client, err := connect(cfg, log)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	auth, err := chooseAuth(cfg, client)
	if err != nil {
		return "", err
	}
	if err := client.Auth(auth); err != nil {
		return "", fmt.Errorf("authentication with %s failed: %w", cfg.Host, err)
	}

	from := msg.From.Address
	if from == "" {
		from = cfg.Email
	}
	if err := client.Mail(from); err != nil {
		return "", fmt.Errorf("server %s rejected sender %s: %w", cfg.Host, from, err)
	}
	for _, recipient := range recipients {
		if err := client.Rcpt(recipient); err != nil {
			return "", fmt.Errorf("server %s rejected recipient %s: %w", cfg.Host, recipient, err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("cannot start message transfer to %s: %w", cfg.Host, err)
	}
	if _, err := rateio.NewWriter(writer, cfg.BandwidthLimit, 0).Write(raw); err != nil {
		return "", fmt.Errorf("cannot transfer message to %s: %w", cfg.Host, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("server %s did not accept the message: %w", cfg.Host, err)
	}
	if err := client.Quit(); err != nil {
		log.Printf("quit after successful send failed: %v", err)
	}
	log.Printf("message %s sent to %d recipient(s)", messageID, len(recipients))
	return messageID, nil
}

func connect(cfg Config, log lib.Logger) (*smtp.Client, error) {
	addr := cfg.addr()
	log.Printf("connecting to submission server %s", addr)
	dialer := &net.Dialer{Timeout: cfg.timeout()}

	if cfg.ImplicitTLS {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg.tlsConfig())
		if err != nil {
			return nil, fmt.Errorf("cannot connect to %s: %w", addr, err)
		}
		client, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("greeting from %s failed: %w", addr, err)
		}
		return client, nil
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("greeting from %s failed: %w", addr, err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(cfg.tlsConfig()); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("STARTTLS with %s failed: %w", addr, err)
		}
	}
	return client, nil
}

func chooseAuth(cfg Config, client *smtp.Client) (smtp.Auth, error) {
	if cfg.Auth == remote.AuthOAuth2 {
		if cfg.AccessToken == "" {
			return nil, lib.ErrMissingToken
		}
		return XOAuth2Auth(cfg.Email, cfg.AccessToken), nil
	}
	if cfg.Password == "" {
		return nil, lib.ErrMissingPassword
	}
	if ok, mechanisms := client.Extension("AUTH"); ok && !strings.Contains(mechanisms, "PLAIN") && strings.Contains(mechanisms, "LOGIN") {
		return LoginAuth(cfg.Email, cfg.Password), nil
	}
	return smtp.PlainAuth("", cfg.Email, cfg.Password, cfg.Host), nil
}
