package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memLedger is an in-process Ledger with the same insert guarantees as the
// Postgres one.
type memLedger struct {
	mu       sync.Mutex
	nextID   int64
	requests []OtpRequest
	users    map[string]string
	markets  []Market
	groups   map[string][]string
}

func newMemLedger(markets ...Market) *memLedger {
	return &memLedger{markets: markets, groups: make(map[string][]string)}
}

func cloneRequest(r OtpRequest) *OtpRequest {
	c := r
	if r.TimeResponded != nil {
		t := *r.TimeResponded
		c.TimeResponded = &t
	}
	if r.Code != nil {
		s := *r.Code
		c.Code = &s
	}
	return &c
}

func (l *memLedger) InsertOtpRequest(ctx context.Context, req *OtpRequest, openSince time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.users != nil {
		canonical, ok := l.users[strings.ToLower(req.User)]
		if !ok {
			return errUnknownUser
		}
		req.User = canonical
	}
	for _, r := range l.requests {
		if r.Phone == req.Phone && r.Open() && !r.TimeRequested.Before(openSince) {
			return errOpenRequestExists
		}
	}
	for _, r := range l.requests {
		if r.TimeRequested.Equal(req.TimeRequested) {
			return errDuplicateRequestTime
		}
	}
	l.nextID++
	req.ID = l.nextID
	l.requests = append(l.requests, *cloneRequest(*req))
	return nil
}

func (l *memLedger) FindOpenOtpRequests(ctx context.Context, phone string, since time.Time) ([]OtpRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []OtpRequest
	for _, r := range l.requests {
		if r.Phone == phone && r.Open() && !r.TimeRequested.Before(since) {
			out = append(out, *cloneRequest(r))
		}
	}
	return out, nil
}

func (l *memLedger) FindLatestOtpRequest(ctx context.Context, user, phone string, marketplace MarketplaceKind) (*OtpRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *OtpRequest
	for _, r := range l.requests {
		if !strings.EqualFold(r.User, user) || r.Phone != phone || r.Marketplace != marketplace {
			continue
		}
		if latest == nil || r.TimeRequested.After(latest.TimeRequested) {
			latest = cloneRequest(r)
		}
	}
	return latest, nil
}

func (l *memLedger) FindFulfillable(ctx context.Context, phone string, marketplace MarketplaceKind, from, to time.Time) (*OtpRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best *OtpRequest
	for _, r := range l.requests {
		if r.Phone != phone || r.Marketplace != marketplace || !r.Open() {
			continue
		}
		if r.TimeRequested.Before(from) || r.TimeRequested.After(to) {
			continue
		}
		if best == nil || r.TimeRequested.Before(best.TimeRequested) {
			best = cloneRequest(r)
		}
	}
	return best, nil
}

func (l *memLedger) SetOtpResponse(ctx context.Context, id int64, code string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.requests {
		r := &l.requests[i]
		if r.ID != id {
			continue
		}
		if !r.Open() {
			return false, nil
		}
		r.TimeResponded = &at
		r.Code = &code
		return true, nil
	}
	return false, nil
}

func (l *memLedger) DeleteOtpRequest(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.requests {
		if r.ID == id {
			l.requests = append(l.requests[:i], l.requests[i+1:]...)
			return nil
		}
	}
	return nil
}

func (l *memLedger) MarketplaceByName(ctx context.Context, name MarketplaceKind) (*Marketplace, error) {
	for _, m := range l.markets {
		if m.Marketplace.Name == name {
			mp := m.Marketplace
			return &mp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, name)
}

func (l *memLedger) Markets(ctx context.Context, group string) ([]Market, error) {
	g := normalizeGroup(group)
	var out []Market
	for _, m := range l.markets {
		switch kind, manager := managerGroups[g]; {
		case g == "all":
		case manager:
			if m.Marketplace.Name != kind {
				continue
			}
		default:
			member := false
			for _, company := range l.groups[group] {
				if company == m.Company {
					member = true
				}
			}
			if !member {
				continue
			}
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Company < out[j].Company })
	return out, nil
}

func (l *memLedger) Market(ctx context.Context, marketplace MarketplaceKind, company string) (*Market, error) {
	for _, m := range l.markets {
		if m.Marketplace.Name == marketplace && m.Company == company {
			c := m
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s / %s", ErrUnknownMarket, marketplace, company)
}

func (l *memLedger) all() []OtpRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OtpRequest, 0, len(l.requests))
	for _, r := range l.requests {
		out = append(out, *cloneRequest(r))
	}
	return out
}

func (l *memLedger) openCount(phone string) int {
	n := 0
	for _, r := range l.all() {
		if r.Phone == phone && r.Open() {
			n++
		}
	}
	return n
}

// hookLedger runs callbacks before polling reads so tests can change the
// ledger between two polls.
type hookLedger struct {
	*memLedger
	beforeFindOpen   func(call int)
	beforeFindLatest func(call int)

	mu          sync.Mutex
	openCalls   int
	latestCalls int
}

func (h *hookLedger) FindOpenOtpRequests(ctx context.Context, phone string, since time.Time) ([]OtpRequest, error) {
	h.mu.Lock()
	h.openCalls++
	n := h.openCalls
	h.mu.Unlock()
	if h.beforeFindOpen != nil {
		h.beforeFindOpen(n)
	}
	return h.memLedger.FindOpenOtpRequests(ctx, phone, since)
}

func (h *hookLedger) FindLatestOtpRequest(ctx context.Context, user, phone string, marketplace MarketplaceKind) (*OtpRequest, error) {
	h.mu.Lock()
	h.latestCalls++
	n := h.latestCalls
	h.mu.Unlock()
	if h.beforeFindLatest != nil {
		h.beforeFindLatest(n)
	}
	return h.memLedger.FindLatestOtpRequest(ctx, user, phone, marketplace)
}

// fakeClock returns t and then moves it forward by step.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

var testEpoch = time.Date(2025, 3, 14, 12, 30, 0, 0, moscow)

func testOtpTiming() OtpTiming {
	return OtpTiming{
		AdmissionWindow: 2 * time.Minute,
		Admission:       Policy{Attempts: 3, Interval: time.Millisecond},
		Submit:          Policy{Attempts: 3},
		Await:           Policy{Attempts: 5, Interval: time.Millisecond},
		FulfillBefore:   2 * time.Minute,
		FulfillAfter:    2 * time.Second,
	}
}

func testLoginTiming() LoginTiming {
	return LoginTiming{
		ReadyWait:     time.Millisecond,
		Stabilize:     Policy{Attempts: 3},
		PageAttempts:  3,
		Mailbox:       Policy{Attempts: 3},
		MailTolerance: 120 * time.Second,
		Verify:        Policy{Attempts: 3},
	}
}

// fakeElement records what was typed into and clicked on it.
type fakeElement struct {
	mu      sync.Mutex
	text    string
	inputs  []string
	clicks  int
	cleared int

	onClick func()
	onInput func(text string)
}

func (e *fakeElement) Input(text string) error {
	e.mu.Lock()
	e.inputs = append(e.inputs, text)
	hook := e.onInput
	e.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (e *fakeElement) Clear() error {
	e.mu.Lock()
	e.cleared++
	e.mu.Unlock()
	return nil
}

func (e *fakeElement) Click() error {
	e.mu.Lock()
	e.clicks++
	hook := e.onClick
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (e *fakeElement) Text() (string, error) { return e.text, nil }

func (e *fakeElement) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}

func (e *fakeElement) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// fakePage is a scripted Page. Selectors not in elements time out at once.
type fakePage struct {
	mu          sync.Mutex
	url         string
	urlFunc     func() string
	elements    map[string][]*fakeElement
	navigations []string
	reloads     int
	evals       []string
	activations int
	closes      int
	dead        bool

	onNavigate func(url string)
}

func newFakePage(url string) *fakePage {
	return &fakePage{url: url, elements: make(map[string][]*fakeElement)}
}

func (p *fakePage) add(selector string, els ...*fakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = append(p.elements[selector], els...)
}

func (p *fakePage) setURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *fakePage) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true
}

func (p *fakePage) Navigate(u string) error {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return ErrBrowserClosed
	}
	p.url = u
	p.navigations = append(p.navigations, u)
	hook := p.onNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(u)
	}
	return nil
}

func (p *fakePage) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ErrBrowserClosed
	}
	p.reloads++
	return nil
}

func (p *fakePage) URL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return "", ErrBrowserClosed
	}
	if p.urlFunc != nil {
		return p.urlFunc(), nil
	}
	return p.url, nil
}

func (p *fakePage) ReadyState() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return "", ErrBrowserClosed
	}
	return "complete", nil
}

func (p *fakePage) Element(selector string, timeout time.Duration) (Element, error) {
	els, err := p.Elements(selector, timeout)
	if err != nil {
		return nil, err
	}
	return els[0], nil
}

func (p *fakePage) Elements(selector string, timeout time.Duration) ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil, ErrBrowserClosed
	}
	found := p.elements[selector]
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrElementTimeout, selector)
	}
	out := make([]Element, len(found))
	for i, el := range found {
		out[i] = el
	}
	return out, nil
}

func (p *fakePage) Eval(js string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ErrBrowserClosed
	}
	p.evals = append(p.evals, js)
	return nil
}

func (p *fakePage) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activations++
	return nil
}

func (p *fakePage) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	p.dead = true
	return nil
}

func (p *fakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *fakePage) Evals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evals...)
}

func (p *fakePage) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// fakeMailConn serves a fixed inbox.
type fakeMailConn struct {
	mu       sync.Mutex
	messages []MailMessage
	deleted  []uint32
	closed   int
}

func (c *fakeMailConn) Messages(ctx context.Context) ([]MailMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MailMessage(nil), c.messages...), nil
}

func (c *fakeMailConn) Delete(ctx context.Context, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, uid)
	kept := c.messages[:0]
	for _, m := range c.messages {
		if m.UID != uid {
			kept = append(kept, m)
		}
	}
	c.messages = kept
	return nil
}

func (c *fakeMailConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func dialFake(conn *fakeMailConn) MailDialer {
	return func(ctx context.Context, account MailAccount) (MailConn, error) {
		return conn, nil
	}
}

var (
	testOzon = Marketplace{
		Name:   KindOzon,
		Link:   "https://seller.ozon.ru/app/registration/signin",
		Domain: "https://seller.ozon.ru/app/dashboard",
	}
	testWB = Marketplace{
		Name:   KindWB,
		Link:   "https://seller-auth.wildberries.ru/ru/",
		Domain: "https://seller.wildberries.ru",
	}
	testYandex = Marketplace{
		Name:   KindYandex,
		Link:   "https://passport.yandex.ru/auth",
		Domain: "https://partner.market.yandex.ru/business",
	}
)

func testMarket(mp Marketplace, company string) Market {
	return Market{
		Marketplace: mp,
		Company:     company,
		ClientID:    "100500",
		Connect: Connect{
			Phone:        "79990001122",
			Proxy:        "http://u:p@10.0.0.1:3128",
			Mail:         "line@yandex.ru",
			MailToken:    "app-token",
			MailPassword: "secret",
		},
	}
}
