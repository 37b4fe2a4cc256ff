package user

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
)

// memStore mirrors the conditional-update behaviour of repo.UserRepo.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]entity.User
	err    error
}

func newMemStore() *memStore {
	return &memStore{nextID: 100, users: map[int64]entity.User{}}
}

func (m *memStore) Create(_ context.Context, u *entity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, other := range m.users {
		if other.Email == u.Email {
			return userrepo.ErrDuplicate
		}
	}
	m.nextID++
	u.ID = m.nextID
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = cloneUser(*u)
	return nil
}

func (m *memStore) find(match func(entity.User) bool) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if match(u) {
			c := cloneUser(u)
			return &c, nil
		}
	}
	return nil, userrepo.ErrNotFound
}

func (m *memStore) GetByID(_ context.Context, id int64) (*entity.User, error) {
	return m.find(func(u entity.User) bool { return u.ID == id })
}

func (m *memStore) GetByEmail(_ context.Context, email string) (*entity.User, error) {
	return m.find(func(u entity.User) bool { return u.Email == email })
}

func (m *memStore) GetByVerificationToken(_ context.Context, digest string) (*entity.User, error) {
	return m.find(func(u entity.User) bool { return u.VerificationToken != nil && *u.VerificationToken == digest })
}

func (m *memStore) GetByResetToken(_ context.Context, digest string) (*entity.User, error) {
	return m.find(func(u entity.User) bool { return u.ResetToken != nil && *u.ResetToken == digest })
}

func (m *memStore) List(_ context.Context) ([]entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]entity.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Update(_ context.Context, u *entity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return userrepo.ErrNotFound
	}
	for id, other := range m.users {
		if id != u.ID && other.Email == u.Email {
			return userrepo.ErrDuplicate
		}
	}
	cur.Name, cur.Email, cur.PasswordHash = u.Name, u.Email, u.PasswordHash
	cur.Role, cur.IsVerified, cur.VerificationToken = u.Role, u.IsVerified, u.VerificationToken
	cur.UpdatedAt = time.Now()
	m.users[u.ID] = cloneUser(cur)
	return nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return userrepo.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *memStore) MarkVerified(_ context.Context, id int64, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.VerificationToken == nil || *u.VerificationToken != digest {
		return userrepo.ErrNotFound
	}
	u.IsVerified = true
	u.VerificationToken = nil
	m.users[id] = u
	return nil
}

func (m *memStore) SetVerificationToken(_ context.Context, id int64, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return userrepo.ErrNotFound
	}
	u.VerificationToken = &digest
	m.users[id] = u
	return nil
}

func (m *memStore) SetResetToken(_ context.Context, id int64, digest string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return userrepo.ErrNotFound
	}
	u.ResetToken = &digest
	u.ResetTokenExpiresAt = &expiresAt
	m.users[id] = u
	return nil
}

func (m *memStore) ConsumeResetToken(_ context.Context, id int64, digest, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.ResetToken == nil || *u.ResetToken != digest ||
		u.ResetTokenExpiresAt == nil || !u.ResetTokenExpiresAt.After(now) {
		return userrepo.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.ResetToken = nil
	u.ResetTokenExpiresAt = nil
	m.users[id] = u
	return nil
}

// raw returns the stored row as-is, secrets included.
func (m *memStore) raw(id int64) entity.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneUser(m.users[id])
}

func cloneUser(u entity.User) entity.User {
	if u.VerificationToken != nil {
		v := *u.VerificationToken
		u.VerificationToken = &v
	}
	if u.ResetToken != nil {
		v := *u.ResetToken
		u.ResetToken = &v
	}
	if u.ResetTokenExpiresAt != nil {
		v := *u.ResetTokenExpiresAt
		u.ResetTokenExpiresAt = &v
	}
	return u
}

type sentMail struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
	// hang makes Send wait for ctx, like a relay that never answers.
	hang bool
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeMailer) all() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

var tokenInLink = regexp.MustCompile(`(?:verify_email/|token=)([0-9a-f]{64})`)

// lastToken extracts the plaintext token from the most recent mail.
func (f *fakeMailer) lastToken(t *testing.T) string {
	t.Helper()
	sent := f.all()
	require.NotEmpty(t, sent, "no mail sent")
	m := tokenInLink.FindStringSubmatch(sent[len(sent)-1].Body)
	require.Len(t, m, 2, "no token in mail body")
	return m[1]
}

var errBoom = errors.New("boom")

type fixture struct {
	svc    *UserService
	store  *memStore
	mailer *fakeMailer
	issuer *token.Issuer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	issuer, err := token.NewIssuer("test-secret")
	require.NoError(t, err)
	f := &fixture{
		store:  newMemStore(),
		mailer: &fakeMailer{},
		issuer: issuer,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewUserService(f.store, issuer, f.mailer, zap.NewNop().Sugar(),
		WithHasher(BcryptHasher{Cost: bcrypt.MinCost}),
		WithLinks(Links{PublicBaseURL: "https://accounts.example.com/", ResetPageURL: "https://app.example.com/reset"}),
		WithClock(func() time.Time { return f.now }),
	)
	t.Cleanup(f.svc.Wait)
	return f
}

// seed stores a user directly and returns it.
func (f *fixture) seed(t *testing.T, name, email, password string, role entity.Role) *entity.User {
	t.Helper()
	hash, err := BcryptHasher{Cost: bcrypt.MinCost}.Hash(password)
	require.NoError(t, err)
	u := &entity.User{Name: name, Email: email, PasswordHash: hash, Role: role, IsVerified: true}
	require.NoError(t, f.store.Create(context.Background(), u))
	return u
}
