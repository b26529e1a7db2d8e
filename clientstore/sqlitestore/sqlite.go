// Package sqlitestore persists the client registry in SQLite so dynamic
// registrations survive restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/mcpgate/mcpgate/clientstore"
	"github.com/mcpgate/mcpgate/clientstore/sqlitestore/migrations"
)

type Store struct {
	db *sql.DB
}

var _ clientstore.Store = (*Store)(nil)

// Open opens (creating if needed) the registry database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY on
	// concurrent registrations.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply registry migrations: %w", err)
	}
	return s, nil
}

func (s *Store) applyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (clientstore.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, redirect_uris, auth_method, created_at FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

func (s *Store) Put(ctx context.Context, c clientstore.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, redirect_uris, auth_method, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, redirect_uris = excluded.redirect_uris`,
		c.ID, c.Name, strings.Join(c.RedirectURIs, " "), c.AuthMethod, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store client %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]clientstore.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, redirect_uris, auth_method, created_at FROM clients ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clientstore.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (clientstore.Client, error) {
	var c clientstore.Client
	var uris string
	if err := row.Scan(&c.ID, &c.Name, &uris, &c.AuthMethod, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return clientstore.Client{}, clientstore.ErrNotFound
		}
		return clientstore.Client{}, err
	}
	if uris != "" {
		c.RedirectURIs = strings.Fields(uris)
	}
	return c, nil
}
