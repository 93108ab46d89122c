// Package pgstore keeps cache partitions in PostgreSQL. Entries reference
// their partition with ON DELETE CASCADE, so deleting a partition row removes
// its entries in the same statement and rejects late inserts.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_partitions.sql
	queryCreatePartitions string
	//go:embed create_entries.sql
	queryCreateEntries string
	//go:embed insert_partition.sql
	queryInsertPartition string
	//go:embed has_partition.sql
	queryHasPartition string
	//go:embed list_partitions.sql
	queryListPartitions string
	//go:embed delete_partition.sql
	queryDeletePartition string
	//go:embed upsert_entry.sql
	queryUpsertEntry string
	//go:embed fetch_entry.sql
	queryFetchEntry string
	//go:embed delete_entry.sql
	queryDeleteEntry string
	//go:embed list_entries.sql
	queryListEntries string
)

const foreignKeyViolation = "23503"

func init() {
	cache.MustRegisterDriver(cache.Driver{
		Key:         "postgres",
		Description: "PostgreSQL tables shell_cache_partitions / shell_cache_entries",
		Durable:     true,
		Validate: func(cfg cache.DriverConfig) error {
			if strings.TrimSpace(cfg.PostgresDSN) == "" {
				return errors.New("PostgresDSN is required")
			}
			return nil
		},
		Open: func(ctx context.Context, cfg cache.DriverConfig) (cache.Store, error) {
			db, err := sql.Open("postgres", cfg.PostgresDSN)
			if err != nil {
				return nil, err
			}
			s, err := New(ctx, db)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			return s, nil
		},
	})
}

// Store implements cache.Store using database/sql with the lib/pq driver.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type partition struct {
	store *Store
	name  string
}

// New verifies the connection and creates the tables when missing.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}
	for _, query := range []string{queryCreatePartitions, queryCreateEntries} {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := cache.ValidatePartitionName(name); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, queryInsertPartition, name); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, queryHasPartition, name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, queryListPartitions)
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDeletePartition, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	var payload []byte
	err := p.store.db.QueryRowContext(ctx, queryFetchEntry, p.name, req.Key()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	entry, err := cache.DecodeEntry(payload)
	if err != nil {
		return nil, err
	}
	return entry.Response(), nil
}

func (p *partition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := cache.NewEntry(req, resp)
	if err != nil {
		return err
	}
	return p.PutAll(ctx, []*cache.Entry{entry})
}

// PutAll writes every entry inside one transaction.
func (p *partition) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertEntry)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := p.store.now().UTC()
	for _, entry := range entries {
		payload, err := entry.Encode()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.name, entry.Key, payload, now); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("partition %s: %w", p.name, cache.ErrNotFound)
			}
			return fmt.Errorf("write entry %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (p *partition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	res, err := p.store.db.ExecContext(ctx, queryDeleteEntry, p.name, req.Key())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, p.store.db, queryListEntries, p.name)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == foreignKeyViolation
	}
	return false
}
