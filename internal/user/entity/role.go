package entity

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Role is the closed set of account roles. Higher values outrank lower ones.
type Role int

const (
	RoleUnknown Role = iota
	RoleUser
	RoleSupport
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleUser:    "User",
	RoleSupport: "Support",
	RoleAdmin:   "Admin",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "Unknown"
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Outranks reports whether r has strictly more privileges than other.
func (r Role) Outranks(other Role) bool { return r > other }

// ParseRole maps a role name (case-insensitive) to a Role.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	for r, n := range roleNames {
		if strings.EqualFold(n, s) {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	p, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = p
	return nil
}

// Value stores the role by name so the column stays readable.
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return r.String(), nil
}

func (r *Role) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	case nil:
		*r = RoleUnknown
		return nil
	default:
		return fmt.Errorf("scan role: unsupported type %T", src)
	}
}
