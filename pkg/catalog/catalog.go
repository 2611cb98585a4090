// Package catalog provides the SQLite-backed store of items and projects.
//
// A Catalog holds only the database path. Every operation opens the database,
// runs in its own transaction and closes it again, so scans, the watcher and
// runs in other processes never contend for a long-lived handle. Concurrent
// writers rely on SQLite's locking and busy timeout.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrItemNotFound is returned when an item id does not exist.
var ErrItemNotFound = errors.New("item not found")

// Store is the set of catalog operations the rest of nova depends on.
type Store interface {
	UpsertItem(ctx context.Context, item Item) error
	UpsertProject(ctx context.Context, project Project) error
	ListItems(ctx context.Context) ([]ItemRef, error)
	WrapperPath(ctx context.Context, id int64) (string, error)
	MarkRun(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Catalog is a handle to a catalog file.
type Catalog struct {
	path string
}

var _ Store = (*Catalog)(nil)

// Open returns a handle for the catalog at path. The file and its parent
// directory are created on first use.
func Open(path string) *Catalog {
	return &Catalog{path: path}
}

// Path returns the catalog file location.
func (c *Catalog) Path() string {
	return c.path
}

// Init creates the schema. Calling it on an initialized catalog is a no-op.
func (c *Catalog) Init(ctx context.Context) error {
	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	return db.Close()
}

func (c *Catalog) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return c.path + "?" + q.Encode()
}

func (c *Catalog) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", c.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

// withTx opens the catalog, runs fn in a transaction and closes the catalog.
func (c *Catalog) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ----- Items -----

// UpsertItem inserts item or replaces every column of the row with the same
// path. The row keeps its id.
func (c *Catalog) UpsertItem(ctx context.Context, item Item) error {
	if item.Path == "" {
		return errors.New("item path is required")
	}
	if item.WrapperPath == "" {
		return fmt.Errorf("item %s has no wrapper path", item.Path)
	}
	if item.State == "" {
		item.State = StateQuarantine
	}
	if !item.State.Valid() {
		return fmt.Errorf("invalid state %q", item.State)
	}
	if item.Kind == "" {
		item.Kind = KindData
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (path, kind, fingerprint, repo_url, modified_at, trust_score, state, last_run_at, wrapper_path, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				kind = excluded.kind,
				fingerprint = excluded.fingerprint,
				repo_url = excluded.repo_url,
				modified_at = excluded.modified_at,
				trust_score = excluded.trust_score,
				state = excluded.state,
				last_run_at = excluded.last_run_at,
				wrapper_path = excluded.wrapper_path,
				notes = excluded.notes`,
			item.Path, string(item.Kind), nullString(item.Fingerprint), nullString(item.RepoURL),
			nullTime(item.ModifiedAt), item.TrustScore, string(item.State), nullTimePtr(item.LastRunAt),
			item.WrapperPath, nullString(item.Notes),
		)
		if err != nil {
			return fmt.Errorf("upserting item %s: %w", item.Path, err)
		}
		return nil
	})
}

// ListItems returns (id, path) for every item in ascending id order.
func (c *Catalog) ListItems(ctx context.Context) ([]ItemRef, error) {
	var refs []ItemRef
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, path FROM items ORDER BY id`)
		if err != nil {
			return fmt.Errorf("listing items: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ref ItemRef
			if err := rows.Scan(&ref.ID, &ref.Path); err != nil {
				return fmt.Errorf("scanning item: %w", err)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	return refs, err
}

// WrapperPath returns the wrapper location for item id, or ErrItemNotFound.
func (c *Catalog) WrapperPath(ctx context.Context, id int64) (string, error) {
	var wrapper string
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT wrapper_path FROM items WHERE id = ?`, id).Scan(&wrapper)
		if err == sql.ErrNoRows {
			return ErrItemNotFound
		}
		if err != nil {
			return fmt.Errorf("querying wrapper path: %w", err)
		}
		return nil
	})
	return wrapper, err
}

// MarkRun sets last_run_at for item id. It reports false, without error, if
// the id does not exist.
func (c *Catalog) MarkRun(ctx context.Context, id int64, at time.Time) (bool, error) {
	return c.updateItem(ctx, id, `UPDATE items SET last_run_at = ? WHERE id = ?`, at.UnixMilli(), id)
}

// SetState moves item id to state. It reports false if the id does not exist.
func (c *Catalog) SetState(ctx context.Context, id int64, state State) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("invalid state %q", state)
	}
	return c.updateItem(ctx, id, `UPDATE items SET state = ? WHERE id = ?`, string(state), id)
}

func (c *Catalog) updateItem(ctx context.Context, id int64, query string, args ...any) (bool, error) {
	var found bool
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating item %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating item %d: %w", id, err)
		}
		found = n > 0
		return nil
	})
	return found, err
}

const itemColumns = `id, path, kind, fingerprint, repo_url, modified_at, trust_score, state, last_run_at, wrapper_path, notes`

// GetItem returns the full record for id, or ErrItemNotFound.
func (c *Catalog) GetItem(ctx context.Context, id int64) (*Item, error) {
	return c.queryItem(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
}

// ItemByPath returns the record for path, or ErrItemNotFound.
func (c *Catalog) ItemByPath(ctx context.Context, path string) (*Item, error) {
	return c.queryItem(ctx, `SELECT `+itemColumns+` FROM items WHERE path = ?`, path)
}

// ItemsByWrapper returns every item whose wrapper lives at wrapperPath.
func (c *Catalog) ItemsByWrapper(ctx context.Context, wrapperPath string) ([]Item, error) {
	var items []Item
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE wrapper_path = ? ORDER BY id`, wrapperPath)
		if err != nil {
			return fmt.Errorf("querying items by wrapper: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, *item)
		}
		return rows.Err()
	})
	return items, err
}

func (c *Catalog) queryItem(ctx context.Context, query string, arg any) (*Item, error) {
	var item *Item
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = scanItem(tx.QueryRowContext(ctx, query, arg))
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item                  Item
		kind, state           string
		fp, repo, notes       sql.NullString
		modifiedAt, lastRunAt sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.Path, &kind, &fp, &repo, &modifiedAt, &item.TrustScore, &state, &lastRunAt, &item.WrapperPath, &notes)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item: %w", err)
	}
	item.Kind = Kind(kind)
	item.State = State(state)
	item.Fingerprint = fp.String
	item.RepoURL = repo.String
	item.Notes = notes.String
	if modifiedAt.Valid {
		item.ModifiedAt = time.UnixMilli(modifiedAt.Int64)
	}
	if lastRunAt.Valid {
		t := time.UnixMilli(lastRunAt.Int64)
		item.LastRunAt = &t
	}
	return &item, nil
}

// ----- Projects -----

// UpsertProject inserts project or replaces the row with the same path.
func (c *Catalog) UpsertProject(ctx context.Context, project Project) error {
	if project.Path == "" {
		return errors.New("project path is required")
	}
	if project.LastSeenAt.IsZero() {
		project.LastSeenAt = time.Now()
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (name, path, repo_url, head_revision, last_seen_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				name = excluded.name,
				repo_url = excluded.repo_url,
				head_revision = excluded.head_revision,
				last_seen_at = excluded.last_seen_at`,
			project.Name, project.Path, nullString(project.RepoURL), nullString(project.HeadRevision),
			project.LastSeenAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upserting project %s: %w", project.Path, err)
		}
		return nil
	})
}

// ListProjects returns every project in ascending id order.
func (c *Catalog) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, name, path, repo_url, head_revision, last_seen_at FROM projects ORDER BY id`)
		if err != nil {
			return fmt.Errorf("listing projects: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p          Project
				repo, head sql.NullString
				seen       int64
			)
			if err := rows.Scan(&p.ID, &p.Name, &p.Path, &repo, &head, &seen); err != nil {
				return fmt.Errorf("scanning project: %w", err)
			}
			p.RepoURL = repo.String
			p.HeadRevision = head.String
			p.LastSeenAt = time.UnixMilli(seen)
			projects = append(projects, p)
		}
		return rows.Err()
	})
	return projects, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return nullTime(*t)
}
