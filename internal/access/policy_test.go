package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name   string
		role   entity.Role
		actor  int64
		op     Operation
		target int64
		want   bool
	}{
		{"support updates self", entity.RoleSupport, 5, OpUpdate, 5, true},
		{"support updates other", entity.RoleSupport, 5, OpUpdate, 6, false},
		{"support reads other", entity.RoleSupport, 5, OpRead, 6, false},
		{"support deletes self", entity.RoleSupport, 5, OpDelete, 5, true},
		{"support lists", entity.RoleSupport, 5, OpList, 0, true},
		{"support creates", entity.RoleSupport, 5, OpCreate, 0, true},
		{"user lists", entity.RoleUser, 5, OpList, 0, false},
		{"user creates", entity.RoleUser, 5, OpCreate, 0, false},
		{"user reads self", entity.RoleUser, 5, OpRead, 5, true},
		{"user updates self", entity.RoleUser, 5, OpUpdate, 5, true},
		{"user deletes other", entity.RoleUser, 5, OpDelete, 9, false},
		{"admin deletes anyone", entity.RoleAdmin, 1, OpDelete, 99, true},
		{"admin lists", entity.RoleAdmin, 1, OpList, 0, true},
		{"admin creates", entity.RoleAdmin, 1, OpCreate, 0, true},
		{"unknown role reads self", entity.RoleUnknown, 5, OpRead, 5, false},
		{"unknown operation", entity.RoleSupport, 5, Operation(42), 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allowed(Actor{ID: tt.actor, Role: tt.role}, tt.op, tt.target)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowedIsDeterministic(t *testing.T) {
	roles := []entity.Role{entity.RoleUnknown, entity.RoleUser, entity.RoleSupport, entity.RoleAdmin}
	ops := []Operation{OpList, OpCreate, OpRead, OpUpdate, OpDelete}
	for _, r := range roles {
		for _, op := range ops {
			for _, target := range []int64{1, 2} {
				a := Actor{ID: 1, Role: r}
				first := Allowed(a, op, target)
				for i := 0; i < 3; i++ {
					assert.Equal(t, first, Allowed(a, op, target))
				}
			}
		}
	}
}

func TestCanGrant(t *testing.T) {
	admin := Actor{ID: 1, Role: entity.RoleAdmin}
	support := Actor{ID: 2, Role: entity.RoleSupport}
	user := Actor{ID: 3, Role: entity.RoleUser}

	assert.True(t, CanGrant(admin, entity.RoleAdmin))
	assert.True(t, CanGrant(support, entity.RoleSupport))
	assert.True(t, CanGrant(support, entity.RoleUser))
	assert.False(t, CanGrant(support, entity.RoleAdmin))
	assert.False(t, CanGrant(user, entity.RoleSupport))
	assert.False(t, CanGrant(admin, entity.RoleUnknown))
}

func TestFieldsAllowed(t *testing.T) {
	admin := Actor{ID: 1, Role: entity.RoleAdmin}
	user := Actor{ID: 3, Role: entity.RoleUser}

	assert.True(t, FieldsAllowed(admin, 3, []Field{FieldRole, FieldIsVerified}))
	assert.True(t, FieldsAllowed(user, 3, []Field{FieldName, FieldPassword}))
	assert.False(t, FieldsAllowed(user, 3, []Field{FieldRole}))
	assert.False(t, FieldsAllowed(user, 3, []Field{FieldIsVerified}))
	assert.False(t, FieldsAllowed(user, 4, []Field{FieldName}))
	assert.Nil(t, MutableFields(user, 4))
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), Actor{ID: 9, Role: entity.RoleSupport})
	a, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(9), a.ID)
	assert.Equal(t, entity.RoleSupport, a.Role)
}
