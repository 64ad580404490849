package gmail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"telly/internal/action"
	logx "telly/pkg/logx"
)

const (
	DefaultConcurrency = 4

	// MaxInlineAttachment is the largest attachment whose bytes are fetched.
	MaxInlineAttachment = 5 << 20

	user = "me"
)

type Config struct {
	CredentialsFile string
	TokenFile       string
	CallbackAddr    string
	Concurrency     int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.TokenFile) == "" {
		c.TokenFile = DefaultTokenFile
	}
	if strings.TrimSpace(c.CallbackAddr) == "" {
		c.CallbackAddr = DefaultCallbackAddr
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// api is the slice of the Gmail API the searcher uses.
type api interface {
	list(ctx context.Context, q string, max int) ([]string, error)
	get(ctx context.Context, id string) (*gm.Message, error)
	attachment(ctx context.Context, msgID, attID string) (string, error)
}

type serviceAPI struct{ svc *gm.Service }

func (a serviceAPI) list(ctx context.Context, q string, max int) ([]string, error) {
	resp, err := a.svc.Users.Messages.List(user).Q(q).MaxResults(int64(max)).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	return ids, nil
}

func (a serviceAPI) get(ctx context.Context, id string) (*gm.Message, error) {
	return a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
}

func (a serviceAPI) attachment(ctx context.Context, msgID, attID string) (string, error) {
	body, err := a.svc.Users.Messages.Attachments.Get(user, msgID, attID).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return body.Data, nil
}

// Searcher implements action.Searcher on top of a stored OAuth token.
type Searcher struct {
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	api   api
	oauth *oauth2.Config
}

var _ action.Searcher = (*Searcher)(nil)

// New never contacts Google. A missing token only makes IsAuthenticated
// false; searches start working once `telly gmail login` has run.
func New(cfg Config, log logx.Logger) *Searcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Searcher{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "gmail"))}
}

func newWithAPI(a api, cfg Config, log logx.Logger) *Searcher {
	s := New(cfg, log)
	s.api = a
	return s
}

func (s *Searcher) IsAuthenticated() bool {
	s.mu.Lock()
	ready := s.api != nil
	s.mu.Unlock()
	if ready {
		return true
	}
	return ReadStatus(s.cfg).SignedIn
}

func (s *Searcher) client(ctx context.Context) (api, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api != nil {
		return s.api, nil
	}
	if s.oauth == nil {
		oc, err := OAuthConfig(s.cfg)
		if err != nil {
			return nil, err
		}
		s.oauth = oc
	}
	tok, err := loadToken(s.cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	// The service outlives ctx, so the token source must not be bound to it.
	src := &savingSource{
		src:  s.oauth.TokenSource(context.Background(), tok),
		path: s.cfg.TokenFile,
		last: tok.AccessToken,
		log:  s.log,
	}
	svc, err := gm.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(tok, src)))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	s.api = serviceAPI{svc: svc}
	return s.api, nil
}

// Reset drops the cached client, e.g. after a new login.
func (s *Searcher) Reset() {
	s.mu.Lock()
	s.api = nil
	s.oauth = nil
	s.mu.Unlock()
}

// Search lists messages matching query inside [start, end] and fetches their
// details in parallel. A message that fails to load is skipped.
func (s *Searcher) Search(ctx context.Context, query string, start, end time.Time, max int) ([]action.Item, error) {
	a, err := s.client(ctx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("gmail credentials missing: %w", err)
		}
		return nil, err
	}

	q := fmt.Sprintf("%s after:%d before:%d", strings.TrimSpace(query), start.Unix(), end.Unix())
	ids, err := a.list(ctx, q, max)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	s.log.Debug("search listed", logx.String("q", q), logx.Int("count", len(ids)))

	items := make([]*action.Item, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			it, err := s.fetch(gctx, a, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("message fetch failed", logx.String("id", id), logx.Err(err))
				return nil
			}
			items[i] = &it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]action.Item, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *Searcher) fetch(ctx context.Context, a api, id string) (action.Item, error) {
	m, err := a.get(ctx, id)
	if err != nil {
		return action.Item{}, err
	}
	if m.Id == "" {
		m.Id = id
	}
	it := itemFromMessage(m)
	for _, ref := range collectAttachments(m.Payload, nil) {
		att := action.Attachment{Filename: ref.Filename, MimeType: ref.MimeType, Size: ref.Size}
		if ref.Size <= MaxInlineAttachment {
			raw, err := a.attachment(ctx, id, ref.ID)
			if err == nil {
				att.Data, err = decodeBody(raw)
			}
			if err != nil {
				att.Data = nil
				s.log.Warn("attachment fetch failed",
					logx.String("id", id), logx.String("file", ref.Filename), logx.Err(err))
			}
		} else {
			s.log.Debug("attachment too large; metadata only",
				logx.String("id", id), logx.String("file", ref.Filename), logx.Int64("size", ref.Size))
		}
		it.Attachments = append(it.Attachments, att)
	}
	return it, nil
}
