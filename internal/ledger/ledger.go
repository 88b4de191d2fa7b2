// Package ledger reads the finance ledger's reference lists (accounts,
// categories, merchants and tags) so the decision engine can use exact
// IDs without querying for them first.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

// Account is a ledger account.
type Account struct {
	ID       string
	Name     string
	Type     string // Asset or Liability
	Currency string
}

// Entry is a named lookup row (category, merchant or tag).
type Entry struct {
	ID   string
	Name string
}

// Reference is a snapshot of the lookup lists.
type Reference struct {
	Accounts   []Account
	Categories []Entry
	Merchants  []Entry
	Tags       []Entry
	LoadedAt   time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single user: a handful of connections is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Loader loads and caches the reference lists.
type Loader struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *Reference
}

// NewLoader creates a loader over db. Cached data is reused for ttl;
// a ttl of zero reloads on every call.
func NewLoader(db *sql.DB, ttl time.Duration, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		db:     db,
		ttl:    ttl,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Reference returns the cached snapshot, reloading it when stale. When
// a reload fails and an older snapshot exists, the older one is
// returned along with the error.
func (l *Loader) Reference(ctx context.Context) (*Reference, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && l.ttl > 0 && l.now().Sub(l.cached.LoadedAt) < l.ttl {
		return l.cached, nil
	}

	ref, err := l.Load(ctx)
	if err != nil {
		if l.cached != nil {
			l.logger.Warn("reference reload failed, serving stale data",
				"error", err,
				"age", l.now().Sub(l.cached.LoadedAt).Truncate(time.Second),
			)
			return l.cached, err
		}
		return nil, err
	}
	l.cached = ref
	return ref, nil
}

// Invalidate drops the cache. Called after the agent writes to the
// ledger, since a write may have created a merchant, category or tag.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

// Ping checks database connectivity.
func (l *Loader) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Load queries all four lists in parallel.
func (l *Loader) Load(ctx context.Context) (*Reference, error) {
	start := l.now()
	ref := &Reference{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ref.Accounts, err = l.accounts(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		ref.Categories, err = l.entries(ctx, "categories", "category_id", "category_name")
		return err
	})
	g.Go(func() error {
		var err error
		ref.Merchants, err = l.entries(ctx, "merchants", "merchant_id", "merchant_name")
		return err
	})
	g.Go(func() error {
		var err error
		ref.Tags, err = l.entries(ctx, "tags", "tag_id", "tag_name")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ref.LoadedAt = l.now()
	l.logger.Debug("reference data loaded",
		"accounts", len(ref.Accounts),
		"categories", len(ref.Categories),
		"merchants", len(ref.Merchants),
		"tags", len(ref.Tags),
		"elapsed", ref.LoadedAt.Sub(start),
	)
	return ref, nil
}

func (l *Loader) accounts(ctx context.Context) ([]Account, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT account_id, account_name, account_type, currency_code FROM accounts ORDER BY account_name`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a             Account
			typ, currency sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Name, &typ, &currency); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Type = typ.String
		a.Currency = currency.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// entries reads an (id, name) list. table and columns are constants
// from Load, never user input.
func (l *Loader) entries(ctx context.Context, table, idCol, nameCol string) ([]Entry, error) {
	query := fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`, idCol, nameCol, table, nameCol)
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
