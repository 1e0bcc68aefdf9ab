// Package cfg loads and saves the application configuration: the accounts
// and the handful of tunables the session layer honors.
package cfg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthType selects how an account authenticates.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthOAuth2   AuthType = "oauth2"
)

// CacheBackend selects how an account caches messages locally.
type CacheBackend string

const (
	CacheBolt    CacheBackend = "bolt"
	CacheMaildir CacheBackend = "maildir"
	CacheMemory  CacheBackend = "memory"
)

type Config struct {
	Accounts map[string]Account `yaml:"accounts"`
	Settings Settings           `yaml:"settings"`
}

// Account is one configured mailbox.
type Account struct {
	Email    string   `yaml:"email"`
	Name     string   `yaml:"name"`
	Auth     AuthType `yaml:"auth"`
	Password string   `yaml:"password,omitempty"`

	IMAPHost            string `yaml:"imapHost"`
	IMAPPort            int    `yaml:"imapPort,omitempty"`
	IMAPNoTLS           bool   `yaml:"imapNoTLS,omitempty"`
	SkipTLSVerification bool   `yaml:"skipTLSVerification,omitempty"`

	SMTPHost        string `yaml:"smtpHost"`
	SMTPPort        int    `yaml:"smtpPort,omitempty"`
	SMTPImplicitTLS bool   `yaml:"smtpImplicitTLS,omitempty"`

	AccessToken    string    `yaml:"accessToken,omitempty"`
	RefreshToken   string    `yaml:"refreshToken,omitempty"`
	TokenExpiresAt time.Time `yaml:"tokenExpiresAt,omitempty"`

	Cache    CacheBackend `yaml:"cache,omitempty"`
	CacheDir string       `yaml:"cacheDir,omitempty"`
}

// Settings are the session-layer tunables. Zero values are replaced with
// defaults on load.
type Settings struct {
	ConnectTimeout   time.Duration `yaml:"connectTimeout"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	OAuthFlowTimeout time.Duration `yaml:"oauthFlowTimeout"`
	WarmDelay        time.Duration `yaml:"warmDelay"`
	TrashFolders     []string      `yaml:"trashFolders,flow"`
	SearchLimit      int           `yaml:"searchLimit"`
	CallbackPort     int           `yaml:"callbackPort"`
	// BandwidthLimit caps background downloads and message uploads, in
	// bytes per second. Zero leaves transfers unthrottled.
	BandwidthLimit float64 `yaml:"bandwidthLimit,omitempty"`
}

// DefaultTrashFolders are the folder names tried, in order, when a message
// is deleted and the server did not advertise a trash folder.
func DefaultTrashFolders() []string {
	return []string{"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted"}
}

func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:   30 * time.Second,
		SweepInterval:    60 * time.Second,
		OAuthFlowTimeout: 5 * time.Minute,
		WarmDelay:        500 * time.Millisecond,
		TrashFolders:     DefaultTrashFolders(),
		SearchLimit:      200,
		CallbackPort:     19876,
	}
}

func newConfig() *Config {
	return &Config{
		Accounts: map[string]Account{},
		Settings: DefaultSettings(),
	}
}

// LoadFile loads the configuration from a YAML file.
func LoadFile(fileName string) (*Config, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	return load(file)
}

func load(reader io.ReadCloser) (*Config, error) {
	defer reader.Close()
	decoder := yaml.NewDecoder(reader)
	config := newConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultSettings()
	if c.Settings.ConnectTimeout == 0 {
		c.Settings.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.Settings.SweepInterval == 0 {
		c.Settings.SweepInterval = defaults.SweepInterval
	}
	if c.Settings.OAuthFlowTimeout == 0 {
		c.Settings.OAuthFlowTimeout = defaults.OAuthFlowTimeout
	}
	if c.Settings.WarmDelay == 0 {
		c.Settings.WarmDelay = defaults.WarmDelay
	}
	if len(c.Settings.TrashFolders) == 0 {
		c.Settings.TrashFolders = defaults.TrashFolders
	}
	if c.Settings.SearchLimit == 0 {
		c.Settings.SearchLimit = defaults.SearchLimit
	}
	if c.Settings.CallbackPort == 0 {
		c.Settings.CallbackPort = defaults.CallbackPort
	}
	if c.Accounts == nil {
		c.Accounts = map[string]Account{}
	}
}

func (c *Config) validate() error {
	for name, account := range c.Accounts {
		if account.Email == "" {
			return fmt.Errorf("account %q: missing email", name)
		}
		if account.IMAPHost == "" {
			return fmt.Errorf("account %q: missing imapHost", name)
		}
		switch account.Auth {
		case AuthPassword, AuthOAuth2:
		case "":
			account.Auth = AuthPassword
			c.Accounts[name] = account
		default:
			return fmt.Errorf("account %q: unknown auth %q", name, account.Auth)
		}
		switch account.Cache {
		case CacheBolt, CacheMaildir, CacheMemory, "":
		default:
			return fmt.Errorf("account %q: unknown cache backend %q", name, account.Cache)
		}
	}
	return nil
}

// SaveFile writes the configuration back, typically after a token refresh.
func (c *Config) SaveFile(fileName string) error {
	if err := os.MkdirAll(filepath.Dir(fileName), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()
	encoder := yaml.NewEncoder(file)
	defer encoder.Close()
	return encoder.Encode(c)
}

// Account returns a configured account by name.
func (c *Config) Account(name string) (Account, error) {
	account, found := c.Accounts[name]
	if !found {
		return Account{}, fmt.Errorf("no account named %q in the configuration", name)
	}
	return account, nil
}
