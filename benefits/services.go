package benefits

import (
	"log/slog"
	"time"

	"github.com/warp/benefits-engine/generic"
)

// Options configures NewServices.
type Options struct {
	AllowOverdraft bool
	LazyBalances   bool
	Retry          RetryPolicy
	Logger         *slog.Logger
	Now            func() time.Time
}

// Services is the wired set of domain services over one store. The claim
// service and the manager share one KeyedMutex so claim writes and balance
// management serialize on the same keys.
type Services struct {
	Store      UnitOfWork
	Resolver   *Resolver
	Validator  *Validator
	Reconciler *Reconciler
	Claims     *ClaimService
	Balances   *Manager
	Locks      *generic.KeyedMutex
}

func NewServices(store UnitOfWork, opts Options) *Services {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	retry := opts.Retry
	if retry.MaxRetries == 0 && retry.Backoff == 0 {
		retry = DefaultRetryPolicy()
	}

	resolver := &Resolver{LazyBalances: opts.LazyBalances}
	locks := generic.NewKeyedMutex()
	validator := &Validator{Repo: store, Resolver: resolver, Logger: logger}
	reconciler := &Reconciler{Resolver: resolver, AllowOverdraft: opts.AllowOverdraft, Logger: logger}

	return &Services{
		Store:      store,
		Resolver:   resolver,
		Validator:  validator,
		Reconciler: reconciler,
		Locks:      locks,
		Claims: &ClaimService{
			Store:      store,
			Validator:  validator,
			Reconciler: reconciler,
			Locks:      locks,
			Retry:      retry,
			Logger:     logger,
			Now:        now,
		},
		Balances: &Manager{
			Store:    store,
			Resolver: resolver,
			Locks:    locks,
			Retry:    retry,
			Logger:   logger,
		},
	}
}
