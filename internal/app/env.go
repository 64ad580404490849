package app

import (
	"errors"
	"fmt"
	"time"

	"telly/internal/action"
	"telly/internal/config"
	"telly/internal/delivery"
	"telly/internal/gmail"
	"telly/internal/storage"
	"telly/internal/tale"
	"telly/internal/tale/policy"
	"telly/internal/task/coordinator"
	logx "telly/pkg/logx"
)

// Env is what one-shot CLI commands work with: the loaded config, an open
// store and a tale service without a timer backend attached.
type Env struct {
	Config *config.Config
	Log    logx.Logger
	Logs   *logx.Service
	Store  storage.Store
	Tales  *TaleService
	Policy policy.Policy

	root logx.Logger
}

// OpenEnv loads cfgPath (a missing file means defaults) and opens storage.
func OpenEnv(cfgPath string) (*Env, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgm.Path(), err)
	}
	logs, root := logx.New(mapLogConfig(cfg))

	loc, err := loadLocation(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := openStore(cfg, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	tc, err := mapTimerConfig(cfg, loc)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	return &Env{
		Config: cfg,
		Log:    root.With(logx.String("comp", "cli")),
		Logs:   logs,
		Store:  store,
		Tales:  NewTaleService(store, nil, root),
		Policy: policy.Policy{Location: loc, MinimumLead: tc.MinimumLead},
		root:   root,
	}, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, errors.New("storage is disabled (storage.driver=none); tales need a store")
	}
	return storage.Open(sc, log)
}

// LoadGmailConfig reads only what `telly gmail` needs, so signing in works
// before storage is set up.
func LoadGmailConfig(cfgPath string) (gmail.Config, error) {
	cfg, err := config.NewManager(cfgPath).LoadOrDefault()
	if err != nil {
		return gmail.Config{}, err
	}
	return mapGmailConfig(cfg), nil
}

// Runner builds an in-process coordinator for `telly run`. The timer backend
// is not involved: a running daemon notices the new last run on its next
// reconcile sweep.
func (e *Env) Runner() (*coordinator.Coordinator, error) {
	ccfg, err := mapCoordinatorConfig(e.Config)
	if err != nil {
		return nil, err
	}
	acfg, err := mapActionConfig(e.Config, e.Policy.Location)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDeliveryConfig(e.Config, e.Policy.Location)
	if err != nil {
		return nil, err
	}
	search := newSearcher(e.Config, e.root)
	return coordinator.New(ccfg, e.Policy, coordinator.Deps{
		Store:     e.Store,
		Executor:  action.New(acfg, search, e.root),
		Deliverer: delivery.New(dcfg, e.root),
		Arming:    noArming{},
	}, e.root), nil
}

func (e *Env) Close() error {
	var err error
	if e.Store != nil {
		err = e.Store.Close()
	}
	if e.Logs != nil {
		err = errors.Join(err, e.Logs.Close())
	}
	return err
}

type noArming struct{}

func (noArming) Arm(string, tale.Schedule, *time.Time) error { return nil }
func (noArming) Disarm(string) bool                          { return false }
func (noArming) Retry(string, time.Time) bool                { return false }

var _ coordinator.Arming = noArming{}
