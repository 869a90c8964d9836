package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MarketplaceKind names a provider; it is the key of the provider strategy map
// and the value stored in the ledger's marketplace column.
type MarketplaceKind string

const (
	KindOzon   MarketplaceKind = "Ozon"
	KindWB     MarketplaceKind = "WB"
	KindYandex MarketplaceKind = "Yandex"
)

// Marketplace is a static catalog entry. Link is the login page, Domain the
// seller cabinet; both are matched as substrings of the current page URL.
type Marketplace struct {
	Name   MarketplaceKind
	Link   string
	Domain string
}

// Connect is the phone line a group of cabinets is bound to, together with the
// proxy and the mailbox that receive its traffic and codes.
type Connect struct {
	Phone        string
	Proxy        string
	Mail         string
	MailToken    string
	MailPassword string
}

// Market is one seller cabinet in the identity catalog.
type Market struct {
	Marketplace  Marketplace
	Company      string
	Entrepreneur string
	ClientID     string
	Connect      Connect
}

func (m Market) Key() IdentityKey {
	return IdentityKey{Phone: m.Connect.Phone, Marketplace: m.Marketplace.Name}
}

// IdentityKey identifies a login target and the browser session bound to it.
type IdentityKey struct {
	Phone       string
	Marketplace MarketplaceKind
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s_%s", k.Phone, strings.ToLower(string(k.Marketplace)))
}

// OtpRequest is one code challenge. TimeResponded and Code are written once,
// by whoever delivers the code.
type OtpRequest struct {
	ID            int64
	User          string
	Phone         string
	Marketplace   MarketplaceKind
	TimeRequested time.Time
	TimeResponded *time.Time
	Code          *string
}

func (r OtpRequest) Open() bool { return r.TimeResponded == nil }

// Ledger is the durable store shared by every operator machine and the SMS
// relay. Implementations retry transient connectivity failures themselves and
// report ErrLedgerUnavailable once their budget is spent.
type Ledger interface {
	// InsertOtpRequest stores req and sets its ID. It fails with
	// errOpenRequestExists when the phone has an unanswered request at or
	// after openSince, errDuplicateRequestTime when TimeRequested is taken and
	// errUnknownUser when the user is not registered.
	InsertOtpRequest(ctx context.Context, req *OtpRequest, openSince time.Time) error
	// FindOpenOtpRequests lists unanswered requests for phone requested at or after since.
	FindOpenOtpRequests(ctx context.Context, phone string, since time.Time) ([]OtpRequest, error)
	// FindLatestOtpRequest returns the most recent request of user for
	// (phone, marketplace), or nil.
	FindLatestOtpRequest(ctx context.Context, user, phone string, marketplace MarketplaceKind) (*OtpRequest, error)
	// FindFulfillable returns the earliest unanswered request for
	// (phone, marketplace) requested within [from, to], or nil.
	FindFulfillable(ctx context.Context, phone string, marketplace MarketplaceKind, from, to time.Time) (*OtpRequest, error)
	// SetOtpResponse answers request id. It reports false when the request
	// was answered or removed in the meantime.
	SetOtpResponse(ctx context.Context, id int64, code string, at time.Time) (bool, error)
	DeleteOtpRequest(ctx context.Context, id int64) error

	MarketplaceByName(ctx context.Context, name MarketplaceKind) (*Marketplace, error)
	Markets(ctx context.Context, group string) ([]Market, error)
	Market(ctx context.Context, marketplace MarketplaceKind, company string) (*Market, error)
}

// managerGroups maps the built-in manager groups to the marketplace they see.
var managerGroups = map[string]MarketplaceKind{
	"manager ozon":   KindOzon,
	"manager wb":     KindWB,
	"manager yandex": KindYandex,
}

func normalizeGroup(group string) string {
	return strings.ToLower(strings.TrimSpace(group))
}
