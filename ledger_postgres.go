package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

const (
	pgUniqueViolation = "23505"
	pgSerialization   = "40001"
	pgDeadlock        = "40P01"
	pgAdminShutdown   = "57P01"
)

// PostgresLedger is the Ledger on top of a database/sql pool. Every call
// checks out its own connection and runs in its own transaction, so workers
// never share a session.
type PostgresLedger struct {
	db     *sql.DB
	policy Policy
}

// OpenLedger connects to Postgres through the pgx driver and pings it.
func OpenLedger(dsn string, retryPolicy Policy) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &PostgresLedger{db: db, policy: retryPolicy}
	err = l.policy.Retry(context.Background(), "ledger ping", func() error {
		return db.Ping()
	}, isTransient)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	return l, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// isTransient reports connectivity failures worth another attempt. Anything
// else (constraint violations, bad queries, cancelled contexts) is final.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == pgSerialization,
			pgErr.Code == pgDeadlock,
			pgErr.Code == pgAdminShutdown:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no route to host")
}

// inTx runs fn in a fresh transaction, rolling back and retrying on transient
// failures.
func (l *PostgresLedger) inTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	err := l.policy.Retry(ctx, name, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Debug().Err(rbErr).Str("op", name).Msg("ledger rollback failed")
			}
			return err
		}
		return tx.Commit()
	}, isTransient)
	if err != nil && isTransient(err) {
		log.Error().Err(err).Str("op", name).Msg("ledger retries exhausted")
		return fmt.Errorf("%s: %w: %v", name, ErrLedgerUnavailable, err)
	}
	return err
}

const otpColumns = `id, "user", phone, marketplace, time_request, time_response, message`

func scanOtpRequest(row interface{ Scan(...any) error }) (*OtpRequest, error) {
	var (
		r         OtpRequest
		market    string
		responded sql.NullTime
		code      sql.NullString
	)
	if err := row.Scan(&r.ID, &r.User, &r.Phone, &market, &r.TimeRequested, &responded, &code); err != nil {
		return nil, err
	}
	r.Marketplace = MarketplaceKind(market)
	if responded.Valid {
		t := responded.Time
		r.TimeResponded = &t
	}
	if code.Valid {
		c := code.String
		r.Code = &c
	}
	return &r, nil
}

func (l *PostgresLedger) InsertOtpRequest(ctx context.Context, req *OtpRequest, openSince time.Time) error {
	return l.inTx(ctx, "insert otp request", func(tx *sql.Tx) error {
		// Serializes admission per phone across every machine sharing the ledger.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.Phone); err != nil {
			return err
		}

		var user string
		err := tx.QueryRowContext(ctx, `SELECT "user" FROM users WHERE lower("user") = lower($1)`, req.User).Scan(&user)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", errUnknownUser, req.User)
		}
		if err != nil {
			return err
		}

		var open bool
		err = tx.QueryRowContext(ctx, `SELECT EXISTS (
			SELECT 1 FROM phone_message
			WHERE phone = $1 AND time_response IS NULL AND time_request >= $2)`,
			req.Phone, openSince).Scan(&open)
		if err != nil {
			return err
		}
		if open {
			return errOpenRequestExists
		}

		err = tx.QueryRowContext(ctx, `INSERT INTO phone_message ("user", phone, marketplace, time_request)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			user, req.Phone, string(req.Marketplace), req.TimeRequested).Scan(&req.ID)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errDuplicateRequestTime
		}
		if err != nil {
			return err
		}
		req.User = user
		return nil
	})
}

func (l *PostgresLedger) FindOpenOtpRequests(ctx context.Context, phone string, since time.Time) ([]OtpRequest, error) {
	var out []OtpRequest
	err := l.inTx(ctx, "find open otp requests", func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx, `SELECT `+otpColumns+` FROM phone_message
			WHERE phone = $1 AND time_response IS NULL AND time_request >= $2
			ORDER BY time_request`, phone, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanOtpRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}

func (l *PostgresLedger) FindLatestOtpRequest(ctx context.Context, user, phone string, marketplace MarketplaceKind) (*OtpRequest, error) {
	var out *OtpRequest
	err := l.inTx(ctx, "find latest otp request", func(tx *sql.Tx) error {
		r, err := scanOtpRequest(tx.QueryRowContext(ctx, `SELECT `+otpColumns+` FROM phone_message
			WHERE lower("user") = lower($1) AND phone = $2 AND marketplace = $3
			ORDER BY time_request DESC LIMIT 1`, user, phone, string(marketplace)))
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		out = r
		return err
	})
	return out, err
}

func (l *PostgresLedger) FindFulfillable(ctx context.Context, phone string, marketplace MarketplaceKind, from, to time.Time) (*OtpRequest, error) {
	var out *OtpRequest
	err := l.inTx(ctx, "find fulfillable otp request", func(tx *sql.Tx) error {
		r, err := scanOtpRequest(tx.QueryRowContext(ctx, `SELECT `+otpColumns+` FROM phone_message
			WHERE phone = $1 AND marketplace = $2
			  AND time_response IS NULL AND message IS NULL
			  AND time_request >= $3 AND time_request <= $4
			ORDER BY time_request ASC LIMIT 1`, phone, string(marketplace), from, to))
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		out = r
		return err
	})
	return out, err
}

func (l *PostgresLedger) SetOtpResponse(ctx context.Context, id int64, code string, at time.Time) (bool, error) {
	var updated bool
	err := l.inTx(ctx, "set otp response", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE phone_message SET time_response = $2, message = $3
			WHERE id = $1 AND time_response IS NULL AND message IS NULL`, id, at, code)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n == 1
		return err
	})
	return updated, err
}

func (l *PostgresLedger) DeleteOtpRequest(ctx context.Context, id int64) error {
	return l.inTx(ctx, "delete otp request", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM phone_message WHERE id = $1`, id)
		return err
	})
}

func (l *PostgresLedger) MarketplaceByName(ctx context.Context, name MarketplaceKind) (*Marketplace, error) {
	var out Marketplace
	err := l.inTx(ctx, "marketplace by name", func(tx *sql.Tx) error {
		var kind string
		err := tx.QueryRowContext(ctx, `SELECT marketplace, link, domain FROM marketplaces WHERE marketplace = $1`,
			string(name)).Scan(&kind, &out.Link, &out.Domain)
		out.Name = MarketplaceKind(kind)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, name)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

const marketSelect = `SELECT m.marketplace, mp.link, mp.domain, m.name_company, m.entrepreneur,
		COALESCE(m.client_id, ''), c.phone, c.proxy,
		COALESCE(c.mail, ''), COALESCE(c.token, ''), COALESCE(c.pass_mail, '')
	FROM markets m
	JOIN marketplaces mp ON mp.marketplace = m.marketplace
	JOIN connects c ON c.phone = m.phone`

func scanMarket(row interface{ Scan(...any) error }) (*Market, error) {
	var (
		m    Market
		kind string
	)
	err := row.Scan(&kind, &m.Marketplace.Link, &m.Marketplace.Domain, &m.Company, &m.Entrepreneur,
		&m.ClientID, &m.Connect.Phone, &m.Connect.Proxy,
		&m.Connect.Mail, &m.Connect.MailToken, &m.Connect.MailPassword)
	if err != nil {
		return nil, err
	}
	m.Marketplace.Name = MarketplaceKind(kind)
	return &m, nil
}

func (l *PostgresLedger) Markets(ctx context.Context, group string) ([]Market, error) {
	query, args := marketsQuery(group)
	var out []Market
	err := l.inTx(ctx, "markets", func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMarket(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}

func marketsQuery(group string) (string, []any) {
	g := normalizeGroup(group)
	if g == "all" {
		return marketSelect + ` ORDER BY m.marketplace, m.name_company`, nil
	}
	if kind, ok := managerGroups[g]; ok {
		return marketSelect + ` WHERE m.marketplace = $1 ORDER BY m.name_company`, []any{string(kind)}
	}
	return marketSelect + `
		JOIN group_markets gm ON gm.marketplace = m.marketplace AND gm.name_company = m.name_company
		WHERE gm."group" = $1 ORDER BY m.marketplace, m.name_company`, []any{group}
}

func (l *PostgresLedger) Market(ctx context.Context, marketplace MarketplaceKind, company string) (*Market, error) {
	var out *Market
	err := l.inTx(ctx, "market", func(tx *sql.Tx) error {
		m, err := scanMarket(tx.QueryRowContext(ctx, marketSelect+`
			WHERE m.marketplace = $1 AND m.name_company = $2`, string(marketplace), company))
		out = m
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s / %s", ErrUnknownMarket, marketplace, company)
	}
	return out, err
}
