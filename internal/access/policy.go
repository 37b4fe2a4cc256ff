// Package access decides whether an authenticated actor may perform an
// operation on a user record. Everything here is pure: no I/O, no clocks.
package access

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
)

// Operation is the kind of action requested on the user collection.
type Operation int

const (
	OpList Operation = iota + 1
	OpCreate
	OpRead
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpList:
		return "list"
	case OpCreate:
		return "create"
	case OpRead:
		return "read"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// targeted reports whether op acts on one specific record.
func (op Operation) targeted() bool {
	return op == OpRead || op == OpUpdate || op == OpDelete
}

// Actor is the caller established from a verified bearer token.
type Actor struct {
	ID   int64
	Role entity.Role
}

// Allowed evaluates the role table in precedence order:
// Admin always; Support may list, create and act on itself;
// User may only act on itself; everything else is denied.
// targetID is ignored for untargeted operations.
func Allowed(actor Actor, op Operation, targetID int64) bool {
	switch actor.Role {
	case entity.RoleAdmin:
		return true
	case entity.RoleSupport:
		if op == OpList || op == OpCreate {
			return true
		}
		return op.targeted() && actor.ID == targetID
	case entity.RoleUser:
		return op.targeted() && actor.ID == targetID
	default:
		return false
	}
}

// CanGrant reports whether actor may assign role to an account.
// Nobody can hand out a role that outranks their own.
func CanGrant(actor Actor, role entity.Role) bool {
	if !role.Valid() || !actor.Role.Valid() {
		return false
	}
	return !role.Outranks(actor.Role)
}

// Field names a mutable attribute of a user record.
type Field string

const (
	FieldName       Field = "name"
	FieldEmail      Field = "email"
	FieldPassword   Field = "password"
	FieldRole       Field = "role"
	FieldIsVerified Field = "is_verified"
)

var (
	adminFields = []Field{FieldName, FieldEmail, FieldPassword, FieldRole, FieldIsVerified}
	selfFields  = []Field{FieldName, FieldEmail, FieldPassword}
)

// MutableFields returns the fields actor may change on targetID's record.
// The result is nil when the update itself is not allowed.
func MutableFields(actor Actor, targetID int64) []Field {
	if !Allowed(actor, OpUpdate, targetID) {
		return nil
	}
	if actor.Role == entity.RoleAdmin {
		return adminFields
	}
	return selfFields
}

// FieldsAllowed reports whether every field in fields is in the allow-list
// for actor updating targetID.
func FieldsAllowed(actor Actor, targetID int64, fields []Field) bool {
	allowed := MutableFields(actor, targetID)
	if allowed == nil {
		return false
	}
	for _, f := range fields {
		ok := false
		for _, a := range allowed {
			if a == f {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor, if any.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok {
		return nil, false
	}
	return &a, true
}
