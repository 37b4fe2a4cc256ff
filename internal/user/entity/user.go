package entity

import "time"

// User represents an account row in the `users` table.
// Secrets (password hash, token digests) never leave the service through JSON.
type User struct {
	ID                  int64      `db:"id" json:"id,string"`
	Name                string     `db:"name" json:"name"`
	Email               string     `db:"email" json:"email"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	Role                Role       `db:"role" json:"role"`
	IsVerified          bool       `db:"is_verified" json:"is_verified"`
	VerificationToken   *string    `db:"verification_token" json:"-"`
	ResetToken          *string    `db:"reset_token" json:"-"`
	ResetTokenExpiresAt *time.Time `db:"reset_token_expires_at" json:"-"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// ResetPending reports whether a reset token is set and not yet expired at now.
func (u *User) ResetPending(now time.Time) bool {
	if u.ResetToken == nil || *u.ResetToken == "" {
		return false
	}
	return u.ResetTokenExpiresAt != nil && now.Before(*u.ResetTokenExpiresAt)
}
