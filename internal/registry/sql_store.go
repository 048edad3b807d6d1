package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/harrylevesque/keybar/internal/models"
)

// Driver names accepted by OpenSQLStore.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL UNIQUE,
		authorized BOOLEAN NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS devices_owner_id_idx ON devices (owner_id)`,
}

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type deviceRow struct {
	ID         string       `db:"id"`
	OwnerID    string       `db:"owner_id"`
	Name       string       `db:"name"`
	PublicKey  string       `db:"public_key"`
	Authorized sql.NullBool `db:"authorized"`
	CreatedAt  time.Time    `db:"created_at"`
}

func toRow(d *models.Device) deviceRow {
	return deviceRow{
		ID:         d.ID.String(),
		OwnerID:    d.OwnerID.String(),
		Name:       d.Name,
		PublicKey:  d.PublicKey,
		Authorized: nullBool(d.Authorized),
		CreatedAt:  d.CreatedAt.UTC(),
	}
}

func (r deviceRow) device() (*models.Device, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("device row id: %w", err)
	}
	owner, err := uuid.Parse(r.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("device row owner: %w", err)
	}
	state := models.AuthorizationUnset
	if r.Authorized.Valid {
		state = models.AuthorizationFromBool(r.Authorized.Bool)
	}
	return &models.Device{
		ID:         id,
		OwnerID:    owner,
		Name:       r.Name,
		PublicKey:  r.PublicKey,
		Authorized: state,
		CreatedAt:  r.CreatedAt.UTC(),
	}, nil
}

func nullBool(a models.Authorization) sql.NullBool {
	switch a {
	case models.AuthorizationGranted:
		return sql.NullBool{Bool: true, Valid: true}
	case models.AuthorizationRevoked:
		return sql.NullBool{Bool: false, Valid: true}
	default:
		return sql.NullBool{}
	}
}

// SQLStore persists devices in PostgreSQL or SQLite.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore connects, runs the idempotent migrations and returns the store.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Insert(ctx context.Context, d *models.Device) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM devices WHERE public_key = ?`), d.PublicKey); err != nil {
		return err
	}
	if n > 0 {
		return ErrDuplicateKey
	}

	_, err = tx.NamedExecContext(ctx, `INSERT INTO devices (id, owner_id, name, public_key, authorized, created_at)
		VALUES (:id, :owner_id, :name, :public_key, :authorized, :created_at)`, toRow(d))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SetAuthorized(ctx context.Context, id uuid.UUID, state models.Authorization) error {
	return s.execOne(ctx, `UPDATE devices SET authorized = ? WHERE id = ?`, nullBool(state), id.String())
}

func (s *SQLStore) SetName(ctx context.Context, id uuid.UUID, name string) error {
	return s.execOne(ctx, `UPDATE devices SET name = ? WHERE id = ?`, name, id.String())
}

func (s *SQLStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `DELETE FROM devices WHERE id = ?`, id.String())
}

func (s *SQLStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return s.getOne(ctx, `SELECT * FROM devices WHERE id = ?`, id.String())
}

func (s *SQLStore) GetByPublicKey(ctx context.Context, publicKey string) (*models.Device, error) {
	return s.getOne(ctx, `SELECT * FROM devices WHERE public_key = ?`, publicKey)
}

func (s *SQLStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Device, error) {
	var rows []deviceRow
	query := s.db.Rebind(`SELECT * FROM devices WHERE owner_id = ? ORDER BY created_at, id`)
	if err := s.db.SelectContext(ctx, &rows, query, ownerID.String()); err != nil {
		return nil, err
	}
	out := make([]*models.Device, 0, len(rows))
	for _, row := range rows {
		d, err := row.device()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) getOne(ctx context.Context, query string, args ...any) (*models.Device, error) {
	var row deviceRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.device()
}

// execOne runs a statement that must touch exactly one row.
func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
