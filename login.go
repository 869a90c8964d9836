package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type LoginState int

const (
	StateIdle LoginState = iota
	StatePageLoaded
	StateIdentifierEntry
	StateOtpRequested
	StateOtpEntry
	StateVerified
	StateFailed
)

func (s LoginState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePageLoaded:
		return "page_loaded"
	case StateIdentifierEntry:
		return "identifier_entry"
	case StateOtpRequested:
		return "otp_requested"
	case StateOtpEntry:
		return "otp_entry"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// LoginTiming holds the waits of the login flows.
type LoginTiming struct {
	// Step is the pause between UI actions.
	Step time.Duration `yaml:"step"`
	// ElementWait bounds every element lookup.
	ElementWait time.Duration `yaml:"element_wait"`
	// ReadyWait bounds waiting for document.readyState == "complete".
	ReadyWait time.Duration `yaml:"ready_wait"`
	Stabilize Policy        `yaml:"stabilize"`
	// PageAttempts is how many times identifier entry runs, reloading the
	// page in between.
	PageAttempts  int           `yaml:"page_attempts"`
	Mailbox       Policy        `yaml:"mailbox"`
	MailTolerance time.Duration `yaml:"mail_tolerance"`
	Verify        Policy        `yaml:"verify"`
}

func DefaultLoginTiming() LoginTiming {
	return LoginTiming{
		Step:          5 * time.Second,
		ElementWait:   20 * time.Second,
		ReadyWait:     20 * time.Second,
		Stabilize:     Policy{Attempts: 6, Interval: 5 * time.Second},
		PageAttempts:  3,
		Mailbox:       Policy{Attempts: 20, Interval: 5 * time.Second},
		MailTolerance: 120 * time.Second,
		Verify:        Policy{Attempts: 10, Interval: 5 * time.Second},
	}
}

// Provider is the marketplace-specific part of a login.
type Provider interface {
	Kind() MarketplaceKind
	// LandingURL is the page opened when automation is off.
	LandingURL(m Market) string
	// Authenticate runs from the login page to a verified cabinet.
	Authenticate(ctx context.Context, f *LoginFlow) error
}

// landingHandler is implemented by providers whose login can end on an
// intermediate page that is neither the login page nor the cabinet.
type landingHandler interface {
	HandleLanding(ctx context.Context, f *LoginFlow, url string) (bool, error)
}

var providers = providerMap(ozonProvider{}, wbProvider{}, yandexProvider{})

func providerMap(list ...Provider) map[MarketplaceKind]Provider {
	m := make(map[MarketplaceKind]Provider, len(list))
	for _, p := range list {
		m[p.Kind()] = p
	}
	return m
}

func ProviderFor(kind MarketplaceKind) (Provider, error) {
	p, ok := providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, kind)
	}
	return p, nil
}

// LoginDeps are the collaborators shared by every flow.
type LoginDeps struct {
	OTP       *OtpCoordinator
	DialMail  MailDialer
	Timing    LoginTiming
	Selectors SelectorConfig
}

// LoginFlow drives one browser from whatever page it shows to a signed-in
// seller cabinet.
type LoginFlow struct {
	deps     LoginDeps
	page     Page
	market   Market
	user     string
	provider Provider
	state    LoginState
	log      zerolog.Logger
}

func NewLoginFlow(deps LoginDeps, page Page, market Market, user string) (*LoginFlow, error) {
	provider, err := ProviderFor(market.Marketplace.Name)
	if err != nil {
		return nil, err
	}
	return &LoginFlow{
		deps:     deps,
		page:     page,
		market:   market,
		user:     user,
		provider: provider,
		state:    StateIdle,
		log: log.With().
			Str("user", user).
			Str("proxy", market.Connect.Proxy).
			Str("marketplace", string(market.Marketplace.Name)).
			Str("company", market.Company).
			Str("phone", market.Connect.Phone).
			Logger(),
	}, nil
}

func (f *LoginFlow) State() LoginState { return f.state }

func (f *LoginFlow) setState(s LoginState) {
	f.log.Debug().Stringer("from", f.state).Stringer("to", s).Msg("login state")
	f.state = s
}

// Run signs in. It returns nil when the cabinet is reached, when the result
// could not be confirmed, and when the operator closed the window. Any other
// failure closes the browser and is returned as *AuthError.
func (f *LoginFlow) Run(ctx context.Context) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if errors.Is(err, ErrBrowserClosed) || !f.page.Alive() {
			f.log.Info().Err(err).Msg("browser closed before automation finished")
			err = nil
			return
		}
		f.setState(StateFailed)
		f.log.Error().Err(err).Msg("automation failed")
		_ = f.page.Close()
		err = newAuthError(string(f.market.Marketplace.Name), err)
	}()

	f.showOverlay()
	url, err := f.stabilize(ctx)
	if err != nil {
		return err
	}

	switch {
	case strings.Contains(url, f.market.Marketplace.Link):
		f.log.Info().Msg("automation started")
		if err := f.provider.Authenticate(ctx, f); err != nil {
			return err
		}
	case strings.Contains(url, f.market.Marketplace.Domain):
		f.log.Info().Msg("already signed in")
		f.setState(StateVerified)
	default:
		handled := false
		if h, ok := f.provider.(landingHandler); ok {
			if handled, err = h.HandleLanding(ctx, f, url); err != nil {
				return err
			}
		}
		if !handled {
			f.log.Warn().Str("url", url).Msg("page is neither login nor cabinet, leaving it to the operator")
		}
	}

	f.hideOverlay()
	return nil
}

// stabilize waits until the document is loaded and the URL stops changing
// between two checks.
func (f *LoginFlow) stabilize(ctx context.Context) (string, error) {
	if err := f.waitReady(ctx); err != nil {
		return "", err
	}
	var last string
	err := f.deps.Timing.Stabilize.Poll(ctx, func() (bool, error) {
		f.showOverlay()
		url, err := f.page.URL()
		if err != nil {
			return false, err
		}
		if url == last {
			return true, nil
		}
		last = url
		return false, f.waitReady(ctx)
	})
	if errors.Is(err, errPending) {
		return "", fmt.Errorf("%w: %s still changing", ErrPageTimeout, last)
	}
	if err != nil {
		return "", err
	}
	f.setState(StatePageLoaded)
	return last, nil
}

const readyPollInterval = 250 * time.Millisecond

func (f *LoginFlow) waitReady(ctx context.Context) error {
	attempts := int(f.deps.Timing.ReadyWait / readyPollInterval)
	err := Policy{Attempts: attempts, Interval: readyPollInterval}.Poll(ctx, func() (bool, error) {
		state, err := f.page.ReadyState()
		if err != nil {
			return false, err
		}
		return state == "complete", nil
	})
	if errors.Is(err, errPending) {
		return ErrPageTimeout
	}
	return err
}

func (f *LoginFlow) pause(ctx context.Context) error {
	return sleepContext(ctx, f.deps.Timing.Step)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *LoginFlow) find(selector string) (Element, error) {
	return f.page.Element(selector, f.deps.Timing.ElementWait)
}

// nthFromEnd returns the n-th last element matching selector. Too few matches
// count as the element not being there.
func (f *LoginFlow) nthFromEnd(selector string, n int) (Element, error) {
	all, err := f.page.Elements(selector, f.deps.Timing.ElementWait)
	if err != nil {
		return nil, err
	}
	if len(all) < n {
		return nil, fmt.Errorf("%w: %d of %s", ErrElementTimeout, len(all), selector)
	}
	return all[len(all)-n], nil
}

// click hides the overlay for the duration of the click so it does not
// intercept it.
func (f *LoginFlow) click(el Element) error {
	f.hideOverlay()
	err := el.Click()
	f.showOverlay()
	return err
}

// enterIdentifier runs fill until the page accepts it, reloading between
// attempts when an element does not show up.
func (f *LoginFlow) enterIdentifier(ctx context.Context, fill func() error) error {
	f.setState(StateIdentifierEntry)
	attempt := 0
	err := Policy{Attempts: f.deps.Timing.PageAttempts}.Retry(ctx, "identifier entry", func() error {
		if attempt > 0 {
			if err := f.page.Reload(); err != nil {
				return err
			}
			f.showOverlay()
		}
		attempt++
		if err := f.pause(ctx); err != nil {
			return err
		}
		return fill()
	}, func(err error) bool {
		return errors.Is(err, ErrElementTimeout)
	})
	if errors.Is(err, ErrElementTimeout) {
		return fmt.Errorf("%w: %v", ErrPageUnavailable, err)
	}
	return err
}

// requestCode registers the challenge with the coordinator. It must succeed
// before the send-code button is pressed.
func (f *LoginFlow) requestCode(ctx context.Context) (time.Time, error) {
	f.log.Info().Msg("requesting code")
	at, err := f.deps.OTP.Request(ctx, f.user, f.market.Connect.Phone, f.market.Marketplace.Name)
	if err != nil {
		return time.Time{}, err
	}
	f.setState(StateOtpRequested)
	return at, nil
}

// sendCode presses the button that makes the marketplace send the code. The
// request made at at is withdrawn if the press fails.
func (f *LoginFlow) sendCode(ctx context.Context, button Element, at time.Time) error {
	if err := f.click(button); err != nil {
		f.withdraw(ctx, at)
		return fmt.Errorf("send code: %w", err)
	}
	return nil
}

func (f *LoginFlow) withdraw(ctx context.Context, at time.Time) {
	err := f.deps.OTP.Withdraw(context.WithoutCancel(ctx), f.user, f.market.Connect.Phone, f.market.Marketplace.Name, at)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to withdraw code request")
	}
}

func (f *LoginFlow) awaitSMS(ctx context.Context) (string, error) {
	f.log.Info().Msg("waiting for SMS code")
	return f.deps.OTP.AwaitCode(ctx, f.user, f.market.Connect.Phone, f.market.Marketplace.Name)
}

// awaitEmail reads the code for the request made at at from the mailbox of
// the line, then picks it up from the ledger like an SMS code.
func (f *LoginFlow) awaitEmail(ctx context.Context, at time.Time, subject string) (string, error) {
	f.log.Info().Str("mail", f.market.Connect.Mail).Msg("waiting for email code")
	account := MailAccount{Address: f.market.Connect.Mail, Token: f.market.Connect.MailToken}
	scraper := NewMailboxScraper(f.deps.DialMail, account, f.deps.OTP)

	err := f.deps.Timing.Mailbox.Retry(ctx, "mailbox pass", func() error {
		defer func() {
			if err := scraper.Close(); err != nil {
				f.log.Debug().Err(err).Msg("failed to close mailbox")
			}
		}()
		if err := scraper.Connect(ctx); err != nil {
			return err
		}
		return scraper.FetchAndDeliver(ctx, f.user, f.market.Connect.Phone, f.market.Marketplace.Name,
			at, subject, f.deps.Timing.MailTolerance)
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		f.withdraw(ctx, at)
		return "", err
	}
	return f.awaitSMS(ctx)
}

// enterCode types the whole code into one field.
func (f *LoginFlow) enterCode(selector, code string) error {
	el, err := f.find(selector)
	if err != nil {
		return err
	}
	f.setState(StateOtpEntry)
	return el.Input(code)
}

// enterCodeCells types one digit per cell. Nothing is typed when the code
// and the cells differ in length.
func (f *LoginFlow) enterCodeCells(selector, code string) error {
	cells, err := f.page.Elements(selector, f.deps.Timing.ElementWait)
	if err != nil {
		return err
	}
	if len(cells) != len(code) {
		return fmt.Errorf("%w: %d digits for %d cells", ErrCodeEntry, len(code), len(cells))
	}
	f.setState(StateOtpEntry)
	for i, cell := range cells {
		if err := cell.Input(code[i : i+1]); err != nil {
			return err
		}
	}
	return nil
}

// verify polls probe until it reports the cabinet. Running out of attempts is
// logged and not treated as a failure.
func (f *LoginFlow) verify(ctx context.Context, probe func() (bool, error)) error {
	err := f.deps.Timing.Verify.Poll(ctx, probe)
	if errors.Is(err, errPending) {
		f.log.Warn().Msg("verification unconfirmed")
		return nil
	}
	if err != nil {
		return err
	}
	f.setState(StateVerified)
	f.log.Info().Msg("signed in")
	return nil
}

// urlContains is the usual verification probe.
func (f *LoginFlow) urlContains(fragment string) func() (bool, error) {
	return func() (bool, error) {
		url, err := f.page.URL()
		if err != nil {
			return false, err
		}
		return strings.Contains(url, fragment), nil
	}
}

// navigateAndCheck opens target and reports whether the browser stayed on it.
func (f *LoginFlow) navigateAndCheck(target string) func() (bool, error) {
	return func() (bool, error) {
		if err := f.page.Navigate(target); err != nil {
			return false, err
		}
		f.showOverlay()
		return f.urlContains(f.market.Marketplace.Domain)()
	}
}

const overlayID = "marketbrowser-overlay"

func (f *LoginFlow) showOverlay() {
	text, _ := json.Marshal(T("overlay_text", f.market.Company))
	js := fmt.Sprintf(`() => {
	if (document.getElementById(%[1]q)) return;
	const el = document.createElement("div");
	el.id = %[1]q;
	el.style.cssText = "position:fixed;inset:0;z-index:2147483647;display:flex;align-items:center;justify-content:center;background:rgba(255,255,255,.92);font:600 28px sans-serif;white-space:pre-line;text-align:center";
	el.textContent = %[2]s;
	(document.body || document.documentElement).appendChild(el);
}`, overlayID, text)
	if err := f.page.Eval(js); err != nil {
		f.log.Debug().Err(err).Msg("failed to show overlay")
	}
}

func (f *LoginFlow) hideOverlay() {
	js := fmt.Sprintf(`() => { const el = document.getElementById(%q); if (el) el.remove(); }`, overlayID)
	if err := f.page.Eval(js); err != nil {
		f.log.Debug().Err(err).Msg("failed to hide overlay")
	}
}
