package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
)

var (
	// ErrNotFound is returned when no row matches (or a conditional update matched nothing).
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate is returned on unique-constraint violations (email, tokens).
	ErrDuplicate = errors.New("duplicate user")
)

// IDSource produces ids for new rows.
type IDSource interface {
	Next() int64
}

// UserRepo provides data access for users table using sqlx.
type UserRepo struct {
	db  *sqlx.DB
	ids IDSource
}

func NewUserRepo(db *sqlx.DB, ids IDSource) *UserRepo { return &UserRepo{db: db, ids: ids} }

const userColumns = `id, name, email, password_hash, role, is_verified,
	verification_token, reset_token, reset_token_expires_at, created_at, updated_at`

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id BIGINT PRIMARY KEY,
  name TEXT NOT NULL,
  email CITEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'User',
  is_verified BOOLEAN NOT NULL DEFAULT false,
  verification_token TEXT UNIQUE,
  reset_token TEXT UNIQUE,
  reset_token_expires_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create inserts u, assigning its id and timestamps.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	const q = `INSERT INTO users (id, name, email, password_hash, role, is_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`
	id := r.ids.Next()
	row := r.db.QueryRowxContext(ctx, q, id, u.Name, u.Email, u.PasswordHash, u.Role, u.IsVerified, u.VerificationToken)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapErr(err)
	}
	u.ID = id
	return nil
}

func (r *UserRepo) getOne(ctx context.Context, where string, arg any) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE `+where, arg); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// GetByID fetches a full user row.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*entity.User, error) {
	return r.getOne(ctx, "id=$1", id)
}

// GetByEmail matches case-insensitively (citext).
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, "email=$1", email)
}

// GetByVerificationToken looks up by the stored token digest.
func (r *UserRepo) GetByVerificationToken(ctx context.Context, digest string) (*entity.User, error) {
	return r.getOne(ctx, "verification_token=$1", digest)
}

// GetByResetToken looks up by the stored token digest.
func (r *UserRepo) GetByResetToken(ctx context.Context, digest string) (*entity.User, error) {
	return r.getOne(ctx, "reset_token=$1", digest)
}

// List returns every user ordered by id.
func (r *UserRepo) List(ctx context.Context) ([]entity.User, error) {
	users := []entity.User{}
	if err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY id`); err != nil {
		return nil, mapErr(err)
	}
	return users, nil
}

// Update writes the mutable profile columns of u.
func (r *UserRepo) Update(ctx context.Context, u *entity.User) error {
	const q = `UPDATE users SET name=:name, email=:email, password_hash=:password_hash, role=:role,
		is_verified=:is_verified, verification_token=:verification_token, updated_at=NOW()
		WHERE id=:id`
	res, err := r.db.NamedExecContext(ctx, q, u)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

// Delete removes the row with id.
func (r *UserRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

// MarkVerified sets is_verified and clears the verification token, but only
// while the token still equals digest. A second call finds nothing.
func (r *UserRepo) MarkVerified(ctx context.Context, id int64, digest string) error {
	const q = `UPDATE users SET is_verified=true, verification_token=NULL, updated_at=NOW()
		WHERE id=$1 AND verification_token=$2`
	res, err := r.db.ExecContext(ctx, q, id, digest)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

// SetVerificationToken replaces the verification token digest.
func (r *UserRepo) SetVerificationToken(ctx context.Context, id int64, digest string) error {
	const q = `UPDATE users SET verification_token=$2, updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, digest)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

// SetResetToken stores a reset token digest valid until expiresAt.
func (r *UserRepo) SetResetToken(ctx context.Context, id int64, digest string, expiresAt time.Time) error {
	const q = `UPDATE users SET reset_token=$2, reset_token_expires_at=$3, updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, digest, expiresAt)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

// ConsumeResetToken sets the new password hash and clears the reset token in
// one statement, provided the token still matches and has not expired at now.
func (r *UserRepo) ConsumeResetToken(ctx context.Context, id int64, digest, passwordHash string, now time.Time) error {
	const q = `UPDATE users SET password_hash=$3, reset_token=NULL, reset_token_expires_at=NULL, updated_at=NOW()
		WHERE id=$1 AND reset_token=$2 AND reset_token_expires_at > $4`
	res, err := r.db.ExecContext(ctx, q, id, digest, passwordHash, now)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgerrcode.UniqueViolation {
		return ErrDuplicate
	}
	return err
}
