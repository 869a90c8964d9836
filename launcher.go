package main

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// LaunchRequest asks to open a seller cabinet for an operator. With Auto off
// the browser is only pointed at the cabinet and left to the operator.
type LaunchRequest struct {
	ID          uuid.UUID
	User        string
	Marketplace MarketplaceKind
	Company     string
	Auto        bool
}

func NewLaunchRequest(user string, marketplace MarketplaceKind, company string, auto bool) LaunchRequest {
	return LaunchRequest{
		ID:          uuid.New(),
		User:        user,
		Marketplace: marketplace,
		Company:     company,
		Auto:        auto,
	}
}

type LaunchResult struct {
	Request LaunchRequest
	Market  *Market
	Reused  bool
	State   SessionState
	Err     error
}

// BrowserOpener starts a browser for market.
type BrowserOpener func(ctx context.Context, market Market) (Page, error)

// RodOpener launches Chrome with the profile and proxy of the market's line.
func RodOpener(cfg *Config) BrowserOpener {
	return func(ctx context.Context, market Market) (Page, error) {
		return LaunchBrowser(BrowserOptions{
			ProfileDir: cfg.ProfileDir(market.Key()),
			Proxy:      market.Connect.Proxy,
			Bin:        cfg.BrowserBin,
			UserAgent:  cfg.UserAgent,
			Language:   cfg.Language,
			Headless:   cfg.Headless,
		})
	}
}

type LauncherOptions struct {
	Workers   int
	QueueSize int
	// ProfileDir names the profile directory recorded on new sessions.
	ProfileDir func(IdentityKey) string
	// OnResult is called from the worker once a queued launch finishes.
	OnResult func(LaunchResult)
}

// Launcher runs queued launch requests on a fixed number of workers. Each
// launch acquires the session for its identity and, when it is new, signs in.
type Launcher struct {
	ledger   Ledger
	sessions *SessionPool
	login    LoginDeps
	open     BrowserOpener
	opts     LauncherOptions

	queue   chan LaunchRequest
	workers *pool.Pool

	mu     sync.Mutex
	closed bool
}

func NewLauncher(ledger Ledger, sessions *SessionPool, login LoginDeps, open BrowserOpener, opts LauncherOptions) *Launcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	return &Launcher{
		ledger:   ledger,
		sessions: sessions,
		login:    login,
		open:     open,
		opts:     opts,
		queue:    make(chan LaunchRequest, opts.QueueSize),
	}
}

// Start runs the workers until Close. ctx is handed to every launch.
func (l *Launcher) Start(ctx context.Context) {
	l.workers = pool.New().WithMaxGoroutines(l.opts.Workers)
	for i := 0; i < l.opts.Workers; i++ {
		l.workers.Go(func() {
			for req := range l.queue {
				res := l.safeLaunch(ctx, req)
				if l.opts.OnResult != nil {
					l.opts.OnResult(res)
				}
			}
		})
	}
}

// Submit queues req without blocking.
func (l *Launcher) Submit(req LaunchRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLauncherClosed
	}
	select {
	case l.queue <- req:
		log.Debug().Str("request", req.ID.String()).Str("marketplace", string(req.Marketplace)).
			Str("company", req.Company).Msg("launch queued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting requests and waits for queued ones to finish.
func (l *Launcher) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	if l.workers != nil {
		l.workers.Wait()
	}
}

func (l *Launcher) safeLaunch(ctx context.Context, req LaunchRequest) LaunchResult {
	var res LaunchResult
	var pc panics.Catcher
	pc.Try(func() { res = l.Launch(ctx, req) })
	if r := pc.Recovered(); r != nil {
		log.Error().Str("request", req.ID.String()).Str("panic", r.String()).Msg("launch panicked")
		return LaunchResult{Request: req, State: SessionDead, Err: r.AsError()}
	}
	return res
}

// Launch serves one request synchronously.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) LaunchResult {
	res := LaunchResult{Request: req}
	logger := log.With().
		Str("request", req.ID.String()).
		Str("user", req.User).
		Str("marketplace", string(req.Marketplace)).
		Str("company", req.Company).
		Logger()

	market, err := l.ledger.Market(ctx, req.Marketplace, req.Company)
	if err != nil {
		res.Err = err
		return res
	}
	res.Market = market

	provider, err := ProviderFor(market.Marketplace.Name)
	if err != nil {
		res.Err = err
		return res
	}

	l.sessions.Sweep()
	session, created, err := l.sessions.Acquire(ctx, market.Key(), func(ctx context.Context, key IdentityKey) (*Session, error) {
		logger.Info().Str("proxy", market.Connect.Proxy).Msg("launching browser")
		page, err := l.open(ctx, *market)
		if err != nil {
			return nil, err
		}
		profile := ""
		if l.opts.ProfileDir != nil {
			profile = l.opts.ProfileDir(key)
		}
		return NewSession(key, page, profile, market.Connect.Proxy), nil
	})
	if err != nil {
		res.Err = err
		return res
	}

	if !created {
		res.Reused = true
		if err := session.Page.Activate(); err != nil {
			logger.Debug().Err(err).Msg("failed to bring browser to front")
		}
		res.State = session.State()
		logger.Info().Stringer("state", res.State).Msg("browser already open")
		return res
	}

	target := market.Marketplace.Link
	if !req.Auto {
		target = provider.LandingURL(*market)
	}
	if err := session.Page.Navigate(target); err != nil {
		session.SetState(SessionDead)
		res.State = SessionDead
		if errors.Is(err, ErrBrowserClosed) {
			logger.Info().Msg("browser closed before the page opened")
			return res
		}
		_ = session.Page.Close()
		res.Err = newAuthError(string(market.Marketplace.Name), err)
		return res
	}

	if !req.Auto {
		session.SetState(SessionReady)
		res.State = SessionReady
		return res
	}

	session.SetState(SessionAuthenticating)
	flow, err := NewLoginFlow(l.login, session.Page, *market, req.User)
	if err != nil {
		res.Err = err
		return res
	}
	res.Err = flow.Run(ctx)

	if res.Err != nil || !session.Alive() {
		session.SetState(SessionDead)
	} else {
		session.SetState(SessionReady)
	}
	res.State = session.State()
	return res
}
