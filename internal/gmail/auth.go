package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"

	logx "telly/pkg/logx"
)

const (
	DefaultTokenFile    = "./telly_token.json"
	DefaultCallbackAddr = "127.0.0.1:8085"

	callbackPath = "/oauth2callback"
	loginTimeout = 5 * time.Minute
)

var ErrNoToken = errors.New("gmail: not signed in (run `telly gmail login`)")

// OAuthConfig reads the client secrets file and points the redirect at the
// local callback listener.
func OAuthConfig(cfg Config) (*oauth2.Config, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", cfg.CredentialsFile, err)
	}
	oc, err := google.ConfigFromJSON(b, gm.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	oc.RedirectURL = "http://" + cfg.CallbackAddr + callbackPath
	return oc, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return &tok, nil
}

// saveToken writes atomically with owner-only permissions.
func saveToken(path string, tok *oauth2.Token) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// savingSource persists refreshed tokens so a restart does not need a new
// login.
type savingSource struct {
	mu   sync.Mutex
	src  oauth2.TokenSource
	path string
	last string
	log  logx.Logger
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveToken(s.path, tok); err != nil {
			s.log.Warn("token save failed", logx.Err(err))
		}
	}
	return tok, nil
}

// Status describes the stored credentials without revealing them.
type Status struct {
	SignedIn   bool
	Refresh    bool
	Expiry     time.Time
	TokenFile  string
	Credential string
}

func ReadStatus(cfg Config) Status {
	cfg = cfg.withDefaults()
	st := Status{TokenFile: cfg.TokenFile, Credential: cfg.CredentialsFile}
	tok, err := loadToken(cfg.TokenFile)
	if err != nil {
		return st
	}
	st.Refresh = tok.RefreshToken != ""
	st.Expiry = tok.Expiry
	st.SignedIn = st.Refresh || tok.Valid()
	return st
}

// Login runs the authorization code flow against a local callback listener
// and stores the resulting token. The consent URL is written to out.
func Login(ctx context.Context, cfg Config, out io.Writer) error {
	cfg = cfg.withDefaults()
	oc, err := OAuthConfig(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.CallbackAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.CallbackAddr, err)
	}

	state := uuid.NewString()
	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	deliver := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		case q.Get("error") != "":
			http.Error(w, "authorization denied", http.StatusForbidden)
			deliver(result{err: fmt.Errorf("authorization denied: %s", q.Get("error"))})
			return
		case q.Get("code") == "":
			http.Error(w, "authorization code not found", http.StatusBadRequest)
			deliver(result{err: errors.New("authorization code not found in redirect")})
			return
		}
		_, _ = io.WriteString(w, "Telly is signed in. You can close this window.\n")
		deliver(result{code: q.Get("code")})
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(result{err: fmt.Errorf("callback server: %w", err)})
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(out, "Open this URL in a browser to authorize Telly:\n\n%s\n\nWaiting for the redirect on %s ...\n", authURL, cfg.CallbackAddr)

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return fmt.Errorf("authorization not completed: %w", ctx.Err())
	}
	if r.err != nil {
		return r.err
	}

	tok, err := oc.Exchange(ctx, strings.TrimSpace(r.code))
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	if err := saveToken(cfg.TokenFile, tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintf(out, "Token saved to %s\n", cfg.TokenFile)
	return nil
}
