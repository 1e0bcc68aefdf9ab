package oauth

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mailroom/mailroom/lib"
)

const pageTemplate = `<html><body style="font-family:system-ui;display:flex;justify-content:center;align-items:center;height:100vh;margin:0;background:#1a1a2e;color:#e0e0e0"><div style="text-align:center"><h2>%s</h2><p>%s</p><p>You can close this window.</p></div></body></html>`

// callbackFunc routes one provider redirect to its pending flow. It reports
// whether the result was delivered, and the flow error when the provider
// sent one.
type callbackFunc func(state, code, errCode, errDescription string) (bool, error)

// loopbackListener serves the redirect endpoint on the loopback interface.
// It is reference counted by pending flows: the port is only bound while an
// authorization is actually in progress.
type loopbackListener struct {
	port   int
	handle callbackFunc
	log    lib.Logger

	mu     sync.Mutex
	refs   int
	server *http.Server
}

func newLoopbackListener(port int, handle callbackFunc, log lib.Logger) *loopbackListener {
	return &loopbackListener{port: port, handle: handle, log: log}
}

func (l *loopbackListener) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.port))
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.HandleFunc(callbackPath, l.serveCallback)
		server := &http.Server{Handler: mux}
		go func() {
			if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
				l.log.Printf("callback listener stopped: %v", err)
			}
		}()
		l.server = server
		l.log.Printf("callback listener started on port %d", l.port)
	}
	l.refs++
	return nil
}

func (l *loopbackListener) release() {
	l.mu.Lock()
	l.refs--
	server := l.server
	if l.refs > 0 || server == nil {
		l.mu.Unlock()
		return
	}
	l.server = nil
	l.mu.Unlock()

	l.log.Print("last flow finished, stopping callback listener")
	// graceful: a redirect response may still be in flight
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()
}

func (l *loopbackListener) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.server != nil
}

func (l *loopbackListener) serveCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	delivered, err := l.handle(
		query.Get("state"),
		query.Get("code"),
		query.Get("error"),
		query.Get("error_description"),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case !delivered:
		fmt.Fprintf(w, pageTemplate, "Invalid Request", "This sign-in link is no longer valid.")
	case err != nil:
		fmt.Fprintf(w, pageTemplate, "Authentication Failed", html.EscapeString(err.Error()))
	default:
		fmt.Fprintf(w, pageTemplate, "Sign-in Successful", "Return to the application to finish setting up your account.")
	}
}
