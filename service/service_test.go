package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
	"golang.org/x/oauth2"

	"github.com/mailroom/mailroom/cfg"
	"github.com/mailroom/mailroom/lib"
	"github.com/mailroom/mailroom/oauth"
	"github.com/mailroom/mailroom/outbound"
	"github.com/mailroom/mailroom/pool"
	"github.com/mailroom/mailroom/remote"
)

// startTestServer boots an in-memory IMAP server. The memory backend ships
// with one message in INBOX.
func startTestServer(t *testing.T) (host string, port int) {
	t.Helper()

	be := memory.New()
	imapServer := server.New(be)
	imapServer.AllowInsecureAuth = true

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = imapServer.Serve(listener)
	}()
	time.Sleep(100 * time.Millisecond)

	host, portString, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portString)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, imapServer.Close())
		wg.Wait()
	})
	return host, port
}

func testService(t *testing.T, host string, port int) *Service {
	t.Helper()
	config := &cfg.Config{
		Accounts: map[string]cfg.Account{
			"work": {
				Email:     "username",
				Auth:      cfg.AuthPassword,
				Password:  "password",
				IMAPHost:  host,
				IMAPPort:  port,
				IMAPNoTLS: true,
				Cache:     cfg.CacheMemory,
			},
		},
		Settings: cfg.DefaultSettings(),
	}
	config.Settings.WarmDelay = time.Millisecond
	svc := New(config, Options{Logger: lib.NewTestLogger(t, "service")})
	t.Cleanup(svc.Close)
	return svc
}

func appendMessage(t *testing.T, svc *Service, folder, subject string, date time.Time) {
	t.Helper()
	raw := fmt.Sprintf("From: someone@example.org\r\n"+
		"To: username@example.org\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"Message-ID: <%d@example.org>\r\n"+
		"\r\n"+
		"body of %s\r\n", subject, date.Format(time.RFC1123Z), date.UnixNano(), subject)
	err := svc.withSession(context.Background(), pool.Priority, "work", func(session *remote.Session) error {
		_, err := session.Append(folder, nil, date, []byte(raw))
		return err
	})
	require.NoError(t, err)
}

func TestServiceMailboxOperations(t *testing.T) {
	host, port := startTestServer(t)
	svc := testService(t, host, port)
	ctx := context.Background()

	base := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	appendMessage(t, svc, "INBOX", "first", base)
	appendMessage(t, svc, "INBOX", "second", base.Add(time.Hour))

	t.Run("ListFolders", func(t *testing.T) {
		folders, err := svc.ListFolders(ctx, "work")
		require.NoError(t, err)
		require.Len(t, folders, 1)
		assert.Equal(t, "INBOX", folders[0].Path)
	})

	t.Run("FetchRange", func(t *testing.T) {
		result, err := svc.FetchRange(ctx, "work", "INBOX", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), result.Total)
		require.Len(t, result.Emails, 2)
		assert.Equal(t, uint32(0), result.Emails[0].DisplayIndex)
		assert.Equal(t, "second", result.Emails[0].Subject)
		assert.Equal(t, uint32(1), result.Emails[1].DisplayIndex)
		assert.Equal(t, "first", result.Emails[1].Subject)
	})

	t.Run("FolderStatus", func(t *testing.T) {
		status, err := svc.FolderStatus(ctx, "work", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), status.Messages)
	})

	t.Run("FetchOneCachesMessage", func(t *testing.T) {
		result, err := svc.FetchRange(ctx, "work", "INBOX", 0, 1)
		require.NoError(t, err)
		uid := result.Emails[0].UID

		email, err := svc.FetchOne(ctx, "work", "INBOX", uid)
		require.NoError(t, err)
		assert.Equal(t, "second", email.Subject)
		assert.Contains(t, email.Text, "body of second")

		store, err := svc.storeFor("work")
		require.NoError(t, err)
		cachedLocally, err := store.Has("INBOX", uid)
		require.NoError(t, err)
		assert.True(t, cachedLocally)

		// second read is served from the cache
		cached, err := svc.FetchOne(ctx, "work", "INBOX", uid)
		require.NoError(t, err)
		assert.Equal(t, email.Subject, cached.Subject)
		assert.Equal(t, uid, cached.UID)
	})

	t.Run("FetchOneMissing", func(t *testing.T) {
		_, err := svc.FetchOne(ctx, "work", "INBOX", 99999)
		assert.ErrorIs(t, err, lib.ErrMessageNotFound)
	})

	t.Run("MutateFlags", func(t *testing.T) {
		result, err := svc.FetchRange(ctx, "work", "INBOX", 0, 1)
		require.NoError(t, err)
		uid := result.Emails[0].UID

		require.NoError(t, svc.MutateFlags(ctx, "work", "INBOX", uid, []string{"seen"}, true))
		result, err = svc.FetchRange(ctx, "work", "INBOX", 0, 1)
		require.NoError(t, err)
		assert.Contains(t, result.Emails[0].Flags, "\\Seen")
	})

	t.Run("Search", func(t *testing.T) {
		emails, total, err := svc.Search(ctx, "work", "INBOX", "first", remote.SearchFilter{})
		require.NoError(t, err)
		assert.Equal(t, uint32(1), total)
		require.Len(t, emails, 1)
		assert.Equal(t, "first", emails[0].Subject)
	})

	t.Run("DeleteMessage", func(t *testing.T) {
		result, err := svc.FetchRange(ctx, "work", "INBOX", 0, 1)
		require.NoError(t, err)
		uid := result.Emails[0].UID
		_, err = svc.FetchOne(ctx, "work", "INBOX", uid)
		require.NoError(t, err)

		require.NoError(t, svc.DeleteMessage(ctx, "work", "INBOX", uid, true))

		status, err := svc.FolderStatus(ctx, "work", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), status.Messages)

		store, err := svc.storeFor("work")
		require.NoError(t, err)
		cachedLocally, err := store.Has("INBOX", uid)
		require.NoError(t, err)
		assert.False(t, cachedLocally)
	})

	t.Run("TestConnection", func(t *testing.T) {
		assert.NoError(t, svc.TestConnection(ctx, "work"))
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		_, err := svc.ListFolders(ctx, "nope")
		assert.Error(t, err)
	})
}

func TestServicePoolIsolation(t *testing.T) {
	host, port := startTestServer(t)
	svc := testService(t, host, port)
	ctx := context.Background()

	result, err := svc.FetchRange(ctx, "work", "INBOX", 0, 1)
	require.NoError(t, err)
	require.NotEmpty(t, result.Emails)
	uid := result.Emails[0].UID

	// park a background operation on its session and keep it there
	started := make(chan struct{})
	release := make(chan struct{})
	background := make(chan error, 1)
	go func() {
		background <- svc.withSession(ctx, pool.Background, "work", func(session *remote.Session) error {
			close(started)
			<-release
			return nil
		})
	}()

	// an interactive fetch completes while the background session is busy
	<-started
	email, err := svc.FetchOne(ctx, "work", "INBOX", uid)
	require.NoError(t, err)
	assert.Equal(t, uid, email.UID)

	close(release)
	require.NoError(t, <-background)
}

func TestServiceWarmCache(t *testing.T) {
	host, port := startTestServer(t)
	svc := testService(t, host, port)
	ctx := context.Background()

	base := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	appendMessage(t, svc, "INBOX", "warm one", base)
	appendMessage(t, svc, "INBOX", "warm two", base.Add(time.Minute))

	events, err := svc.WarmEvents("work")
	require.NoError(t, err)

	queued, err := svc.WarmCache(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, queued)

	deadline := time.After(10 * time.Second)
	for running := true; running; {
		select {
		case progress := <-events:
			if !progress.Active {
				running = false
				assert.Equal(t, 3, progress.Completed)
				assert.Equal(t, 0, progress.Errors)
			}
		case <-deadline:
			t.Fatal("warming did not finish in time")
		}
	}

	store, err := svc.storeFor("work")
	require.NoError(t, err)
	uids, err := store.UIDs("INBOX")
	require.NoError(t, err)
	assert.Len(t, uids, 3)

	// a second run has nothing left to download
	queued, err = svc.WarmCache(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.False(t, svc.WarmRunning("work"))
}

func TestServiceSendRequiresRecipients(t *testing.T) {
	host, port := startTestServer(t)
	svc := testService(t, host, port)

	_, err := svc.SendMessage(context.Background(), "work", &outbound.Message{Subject: "empty"})
	assert.Error(t, err)
}

func TestServiceTokenRefresh(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenServer.Close)

	saved := map[string]cfg.Account{}
	config := &cfg.Config{
		Accounts: map[string]cfg.Account{
			"work": {
				Email:        "user@example.org",
				Auth:         cfg.AuthOAuth2,
				IMAPHost:     "imap.example.org",
				RefreshToken: "rt-old",
			},
		},
		Settings: cfg.DefaultSettings(),
	}
	svc := New(config, Options{
		Logger: lib.NewTestLogger(t, "service"),
		SaveTokens: func(name string, account cfg.Account) error {
			saved[name] = account
			return nil
		},
		OAuth: oauth.Options{
			ClientID: "test-client",
			Endpoint: oauth2.Endpoint{
				AuthURL:   tokenServer.URL + "/authorize",
				TokenURL:  tokenServer.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	})
	t.Cleanup(svc.Close)

	require.NoError(t, svc.RefreshToken(context.Background(), "work"))

	account, err := config.Account("work")
	require.NoError(t, err)
	assert.Equal(t, "at-new", account.AccessToken)
	assert.Equal(t, "rt-new", account.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), account.TokenExpiresAt, time.Minute)
	assert.Equal(t, account, saved["work"])
}

func TestServiceRefreshWithoutToken(t *testing.T) {
	config := &cfg.Config{
		Accounts: map[string]cfg.Account{
			"work": {Email: "user@example.org", Auth: cfg.AuthOAuth2, IMAPHost: "imap.example.org"},
		},
		Settings: cfg.DefaultSettings(),
	}
	svc := New(config, Options{Logger: lib.NewTestLogger(t, "service")})
	t.Cleanup(svc.Close)

	err := svc.RefreshToken(context.Background(), "work")
	assert.ErrorIs(t, err, lib.ErrMissingToken)

	// an expired session token with no refresh token cannot be used either
	err = svc.TestConnection(context.Background(), "work")
	assert.ErrorIs(t, err, lib.ErrMissingToken)
}
