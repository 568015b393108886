package flags

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const flagColumns = `id, environment, key, enabled, description, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, f *Flag) error {
	_, err := s.db.ExecContext(ctx,
		`insert into feature_flags(id, environment, key, enabled, description, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		f.ID, f.Environment, f.Key, f.Enabled, f.Description, f.CreatedAt, f.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, environment, key string) (*Flag, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+flagColumns+` from feature_flags where environment=$1 and key=$2`,
		environment, key)
	var f Flag
	if err := row.Scan(&f.ID, &f.Environment, &f.Key, &f.Enabled, &f.Description, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *PGStore) SetEnabled(ctx context.Context, environment, key string, enabled bool, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update feature_flags set enabled=$3, updated_at=$4 where environment=$1 and key=$2`,
		environment, key, enabled, updatedAt)
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

func (s *PGStore) Delete(ctx context.Context, environment, key string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from feature_flags where environment=$1 and key=$2`, environment, key)
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

func (s *PGStore) List(ctx context.Context, environment string) ([]Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+flagColumns+` from feature_flags where environment=$1 order by key asc`, environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Flag
	for rows.Next() {
		var f Flag
		if err := rows.Scan(&f.ID, &f.Environment, &f.Key, &f.Enabled, &f.Description, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
