package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog/log"
)

// MailAccount is the mailbox bound to a phone line; Token is an app password.
type MailAccount struct {
	Address string
	Token   string
}

// MailMessage is a message as stored on the server.
type MailMessage struct {
	UID uint32
	Raw []byte
}

// MailConn is an authenticated session on the inbox.
type MailConn interface {
	Messages(ctx context.Context) ([]MailMessage, error)
	Delete(ctx context.Context, uid uint32) error
	Close() error
}

// MailDialer opens a MailConn for an account.
type MailDialer func(ctx context.Context, account MailAccount) (MailConn, error)

// codeSink receives codes found in the mailbox.
type codeSink interface {
	Fulfill(ctx context.Context, phone string, market MarketplaceKind, code string, timeResponse time.Time) error
}

// MailboxScraper delivers OTP codes that arrive by email: it finds the
// message answering a request, writes the code to the ledger and deletes the
// message.
type MailboxScraper struct {
	dial    MailDialer
	account MailAccount
	sink    codeSink
	conn    MailConn
}

func NewMailboxScraper(dial MailDialer, account MailAccount, sink codeSink) *MailboxScraper {
	return &MailboxScraper{dial: dial, account: account, sink: sink}
}

func (s *MailboxScraper) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx, s.account)
	if err != nil {
		return fmt.Errorf("connect to mailbox %s: %w", s.account.Address, err)
	}
	s.conn = conn
	return nil
}

// Close ends the mail session. It is safe to call after a failed Connect.
func (s *MailboxScraper) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

type codeCandidate struct {
	uid  uint32
	code string
	sent time.Time
}

// FetchAndDeliver scans the inbox for messages whose subject contains
// subjectFilter and which were sent no more than tolerance before
// timeRequest. The earliest one carrying a code is delivered and deleted.
func (s *MailboxScraper) FetchAndDeliver(ctx context.Context, user, phone string, market MarketplaceKind,
	timeRequest time.Time, subjectFilter string, tolerance time.Duration) error {
	if s.conn == nil {
		return fmt.Errorf("mailbox %s is not connected", s.account.Address)
	}

	messages, err := s.conn.Messages(ctx)
	if err != nil {
		return fmt.Errorf("search mailbox %s: %w", s.account.Address, err)
	}

	var candidates []codeCandidate
	for _, m := range messages {
		subject, sent, body, err := decodeMessage(m.Raw)
		if err != nil {
			log.Debug().Err(err).Uint32("uid", m.UID).Msg("skipping undecodable message")
			continue
		}
		if !strings.Contains(subject, subjectFilter) {
			continue
		}
		if timeRequest.Sub(sent) > tolerance {
			continue
		}
		code, ok := extractCode(body)
		if !ok {
			continue
		}
		candidates = append(candidates, codeCandidate{uid: m.UID, code: code, sent: sent})
	}

	if len(candidates) == 0 {
		return ErrNoMatchingMessage
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].sent.Before(candidates[j].sent)
	})
	best := candidates[0]

	if err := s.sink.Fulfill(ctx, phone, market, best.code, best.sent); err != nil {
		return err
	}
	log.Info().Str("user", user).Str("phone", phone).Str("mail", s.account.Address).
		Time("sent", best.sent).Msg("code delivered from mailbox")

	if err := s.conn.Delete(ctx, best.uid); err != nil {
		return fmt.Errorf("delete consumed message: %w", err)
	}
	return nil
}

// decodeMessage returns the decoded subject, the sending time and the text
// body of a raw message. A text/plain part wins over text/html.
func decodeMessage(raw []byte) (subject string, sent time.Time, body string, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", time.Time{}, "", err
	}

	subject, err = mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}

	sent, err = mr.Header.Date()
	if err != nil || sent.IsZero() {
		sent, err = ParseMessageTime(mr.Header.Get("Date"))
		if err != nil {
			return "", time.Time{}, "", err
		}
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", time.Time{}, "", err
		}
		if p == nil {
			continue
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", time.Time{}, "", err
		}
		switch ct {
		case "text/plain":
			plain = string(b)
		case "text/html":
			html = string(b)
		}
	}

	if strings.TrimSpace(plain) != "" {
		return subject, sent, plain, nil
	}
	return subject, sent, html, nil
}

var (
	linkPattern  = regexp.MustCompile(`https?://\S+`)
	imagePattern = regexp.MustCompile(`\[image:.*?\]`)
	spacePattern = regexp.MustCompile(`\s+`)
	codePattern  = regexp.MustCompile(`\b\d{6}\b`)
)

// extractCode finds the first standalone 6-digit number in the visible text
// of body. Links and image placeholders are dropped first since tracking URLs
// often contain digit runs.
func extractCode(body string) (string, bool) {
	text := body
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		doc.Find("script, style").Remove()
		// text nodes are joined with spaces so "<b>123456</b>link" stays two words
		var parts []string
		doc.Find("*").Contents().Each(func(_ int, s *goquery.Selection) {
			if goquery.NodeName(s) == "#text" {
				parts = append(parts, s.Text())
			}
		})
		text = strings.Join(parts, " ")
	}
	text = linkPattern.ReplaceAllString(text, "")
	text = imagePattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))

	code := codePattern.FindString(text)
	return code, code != ""
}

type imapConn struct {
	c *client.Client
}

// DialIMAP returns a MailDialer for an IMAP server reachable over TLS at addr
// ("imap.yandex.com:993").
func DialIMAP(addr string, timeout time.Duration) MailDialer {
	return func(ctx context.Context, account MailAccount) (MailConn, error) {
		c, err := client.DialTLS(addr, nil)
		if err != nil {
			return nil, err
		}
		c.Timeout = timeout
		if err := c.Login(account.Address, account.Token); err != nil {
			_ = c.Logout()
			return nil, err
		}
		if _, err := c.Select(imap.InboxName, false); err != nil {
			_ = c.Logout()
			return nil, err
		}
		return &imapConn{c: c}, nil
	}
}

func (m *imapConn) Messages(ctx context.Context) ([]MailMessage, error) {
	uids, err := m.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	section := &imap.BodySectionName{}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seq, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, ch)
	}()

	out := make([]MailMessage, 0, len(uids))
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		out = append(out, MailMessage{UID: msg.Uid, Raw: raw})
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return out, nil
}

func (m *imapConn) Delete(ctx context.Context, uid uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	flags := []interface{}{imap.DeletedFlag}
	if err := m.c.UidStore(seq, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return err
	}
	return m.c.Expunge(nil)
}

func (m *imapConn) Close() error {
	return m.c.Logout()
}
