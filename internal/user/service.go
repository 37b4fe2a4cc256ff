package user

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/access"
	"github.com/ovaphlow/pitchfork/service-account/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
)

// ResetTokenExpiry is how long a password reset link stays usable.
const ResetTokenExpiry = time.Hour

// DefaultMailTimeout bounds a single mail delivery.
const DefaultMailTimeout = 15 * time.Second

// Store is the credential store used by UserService. *repo.UserRepo implements it.
type Store interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id int64) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByVerificationToken(ctx context.Context, digest string) (*entity.User, error)
	GetByResetToken(ctx context.Context, digest string) (*entity.User, error)
	List(ctx context.Context) ([]entity.User, error)
	Update(ctx context.Context, u *entity.User) error
	Delete(ctx context.Context, id int64) error
	MarkVerified(ctx context.Context, id int64, digest string) error
	SetVerificationToken(ctx context.Context, id int64, digest string) error
	SetResetToken(ctx context.Context, id int64, digest string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, id int64, digest, passwordHash string, now time.Time) error
}

var _ Store = (*userrepo.UserRepo)(nil)

// Links are the public URLs put into outgoing mail.
type Links struct {
	// PublicBaseURL is where this API is reachable, e.g. https://accounts.example.com.
	PublicBaseURL string
	// ResetPageURL is the page that accepts a reset token; ?token= is appended.
	ResetPageURL string
}

func (l Links) verify(tok string) string {
	return strings.TrimRight(l.PublicBaseURL, "/") + "/api/users/verify_email/" + url.PathEscape(tok)
}

func (l Links) reset(tok string) string {
	base := l.ResetPageURL
	if base == "" {
		base = strings.TrimRight(l.PublicBaseURL, "/") + "/reset-password"
	}
	return base + "?token=" + url.QueryEscape(tok)
}

// Option configures a UserService.
type Option func(*UserService)

// WithHasher replaces the bcrypt hasher.
func WithHasher(h PasswordHasher) Option { return func(s *UserService) { s.hasher = h } }

// WithMetrics records flow outcomes on m.
func WithMetrics(m *metrics.Metrics) Option { return func(s *UserService) { s.metrics = m } }

// WithLinks sets the URLs used in verification and reset mail.
func WithLinks(l Links) Option { return func(s *UserService) { s.links = l } }

// WithClock overrides time.Now for reset expiry checks.
func WithClock(now func() time.Time) Option { return func(s *UserService) { s.now = now } }

// WithMailTimeout bounds each mail delivery, synchronous or not.
func WithMailTimeout(d time.Duration) Option { return func(s *UserService) { s.mailTimeout = d } }

// UserService orchestrates authentication and user lifecycle flows.
type UserService struct {
	store       Store
	hasher      PasswordHasher
	tokens      *token.Issuer
	mailer      notify.Mailer
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
	links       Links
	now         func() time.Time
	mailTimeout time.Duration

	dummyHash func() string
	mails     sync.WaitGroup
}

func NewUserService(store Store, tokens *token.Issuer, mailer notify.Mailer, logger *zap.SugaredLogger, opts ...Option) *UserService {
	s := &UserService{
		store:       store,
		hasher:      BcryptHasher{Cost: DefaultBcryptCost},
		tokens:      tokens,
		mailer:      mailer,
		logger:      logger,
		now:         time.Now,
		mailTimeout: DefaultMailTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mailTimeout <= 0 {
		s.mailTimeout = DefaultMailTimeout
	}
	// Compared against when the email is unknown so sign-in takes the same time either way.
	s.dummyHash = sync.OnceValue(func() string {
		h, err := s.hasher.Hash("dummy-password-for-timing")
		if err != nil {
			s.logger.Warnw("dummy hash failed", "err", err)
		}
		return h
	})
	return s
}

// Wait blocks until every background mail has finished.
func (s *UserService) Wait() { s.mails.Wait() }

// SignUpInput is the payload of SignUp and CreateUser.
type SignUpInput struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// SignUp registers an unverified account. Only the User role may self-register.
func (s *UserService) SignUp(ctx context.Context, in SignUpInput) (*entity.User, error) {
	const op = "signup"
	role := entity.RoleUser
	if strings.TrimSpace(in.Role) != "" {
		r, err := entity.ParseRole(in.Role)
		if err != nil || r != entity.RoleUser {
			s.metrics.Auth(op, "invalid")
			return nil, invalid(op, "role %q cannot self-register", in.Role)
		}
		role = r
	}
	u, err := s.register(ctx, op, in, role)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user signed up", "user_id", u.ID)
	return u, nil
}

// CreateUser is the administrative create. actor needs the Create permission
// and may not grant a role above its own.
func (s *UserService) CreateUser(ctx context.Context, actor *access.Actor, in SignUpInput) (*entity.User, error) {
	const op = "create_user"
	if actor == nil {
		return nil, unauthenticated(op)
	}
	if !access.Allowed(*actor, access.OpCreate, 0) {
		return nil, denied(op, actor.ID)
	}
	role := entity.RoleUser
	if strings.TrimSpace(in.Role) != "" {
		r, err := entity.ParseRole(in.Role)
		if err != nil {
			return nil, invalid(op, "unknown role %q", in.Role)
		}
		role = r
	}
	if !access.CanGrant(*actor, role) {
		return nil, denied(op, actor.ID)
	}
	u, err := s.register(ctx, op, in, role)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user created", "user_id", u.ID, "role", u.Role.String(), "actor_id", actor.ID)
	return u, nil
}

func (s *UserService) register(ctx context.Context, op string, in SignUpInput, role entity.Role) (*entity.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		s.metrics.Auth(op, "invalid")
		return nil, invalid(op, "name is required")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		s.metrics.Auth(op, "invalid")
		return nil, invalid(op, "%s", err)
	}
	if err := checkPassword(op, in.Password); err != nil {
		s.metrics.Auth(op, "invalid")
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, oops.Code("HASH_FAILED").With("operation", op).Wrap(err)
	}
	plain, digest, err := newSecret()
	if err != nil {
		return nil, oops.Code("TOKEN_FAILED").With("operation", op).Wrap(err)
	}

	u := &entity.User{
		Name:              name,
		Email:             email,
		PasswordHash:      hash,
		Role:              role,
		VerificationToken: &digest,
	}
	if err := s.store.Create(ctx, u); err != nil {
		s.metrics.Auth(op, outcome(err))
		return nil, storeErr(op, err)
	}
	s.metrics.Auth(op, "ok")
	s.sendVerificationAsync(ctx, u, plain)
	u.VerificationToken = nil
	return u, nil
}

// SignIn returns a bearer token for email/password. Unknown email and wrong
// password produce the same error.
func (s *UserService) SignIn(ctx context.Context, email, password string) (string, error) {
	const op = "signin"
	fail := func() (string, error) {
		s.metrics.Auth(op, "invalid_credentials")
		return "", oops.Code("INVALID_CREDENTIALS").With("operation", op).Wrap(ErrInvalidCredentials)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return fail()
	}

	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			s.hasher.Verify(s.dummyHash(), password)
			return fail()
		}
		return "", storeErr(op, err)
	}
	if !s.hasher.Verify(u.PasswordHash, password) {
		s.logger.Debugw("password mismatch", "user_id", u.ID)
		return fail()
	}

	tok, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		return "", oops.Code("TOKEN_FAILED").With("operation", op).With("user_id", u.ID).Wrap(err)
	}
	s.metrics.Auth(op, "ok")
	s.logger.Infow("user signed in", "user_id", u.ID)
	return tok, nil
}

// Authenticate resolves a bearer token to its actor.
func (s *UserService) Authenticate(raw string) (access.Actor, error) {
	actor, err := s.tokens.Verify(raw)
	if err != nil {
		return access.Actor{}, oops.Code("UNAUTHENTICATED").With("operation", "authenticate").Wrap(errors.Join(ErrUnauthenticated, err))
	}
	return actor, nil
}

// VerifyEmail consumes a verification token. Tokens are single-use.
func (s *UserService) VerifyEmail(ctx context.Context, tok string) error {
	const op = "verify_email"
	if tok == "" {
		return oops.Code("NOT_FOUND").With("operation", op).Wrap(ErrNotFound)
	}
	digest := digestOf(tok)
	u, err := s.store.GetByVerificationToken(ctx, digest)
	if err != nil {
		s.metrics.Auth(op, outcome(err))
		return storeErr(op, err)
	}
	if err := s.store.MarkVerified(ctx, u.ID, digest); err != nil {
		s.metrics.Auth(op, outcome(err))
		return storeErr(op, err)
	}
	s.metrics.Auth(op, "ok")
	s.logger.Infow("email verified", "user_id", u.ID)
	return nil
}

// ResendVerification rotates the verification token of an unverified account and mails it.
func (s *UserService) ResendVerification(ctx context.Context, email string) error {
	const op = "resend_verification"
	u, err := s.lookupEmail(ctx, op, email)
	if err != nil {
		return err
	}
	if u.IsVerified {
		return invalid(op, "already verified")
	}
	plain, digest, err := newSecret()
	if err != nil {
		return oops.Code("TOKEN_FAILED").With("operation", op).Wrap(err)
	}
	if err := s.store.SetVerificationToken(ctx, u.ID, digest); err != nil {
		return storeErr(op, err)
	}
	body, err := notify.VerificationBody(u.Name, s.links.verify(plain))
	if err != nil {
		return oops.Code("TEMPLATE_FAILED").With("operation", op).Wrap(err)
	}
	if err := s.deliver(ctx, "verification", u.Email, notify.VerificationSubject, body); err != nil {
		return oops.Code("MAIL_FAILED").With("operation", op).With("user_id", u.ID).Wrap(errors.Join(ErrDependency, err))
	}
	s.metrics.Auth(op, "ok")
	s.logger.Infow("verification mail resent", "user_id", u.ID)
	return nil
}

// RequestPasswordReset stores a reset token valid for ResetTokenExpiry and mails
// it. Delivery is synchronous: a failed send is reported to the caller.
func (s *UserService) RequestPasswordReset(ctx context.Context, email string) error {
	const op = "request_reset_password"
	u, err := s.lookupEmail(ctx, op, email)
	if err != nil {
		s.metrics.Auth(op, outcome(err))
		return err
	}
	plain, digest, err := newSecret()
	if err != nil {
		return oops.Code("TOKEN_FAILED").With("operation", op).Wrap(err)
	}
	if err := s.store.SetResetToken(ctx, u.ID, digest, s.now().Add(ResetTokenExpiry)); err != nil {
		return storeErr(op, err)
	}
	body, err := notify.ResetBody(u.Name, s.links.reset(plain))
	if err != nil {
		return oops.Code("TEMPLATE_FAILED").With("operation", op).Wrap(err)
	}
	if err := s.deliver(ctx, "reset", u.Email, notify.ResetSubject, body); err != nil {
		s.metrics.Auth(op, "mail_failed")
		return oops.Code("MAIL_FAILED").With("operation", op).With("user_id", u.ID).Wrap(errors.Join(ErrDependency, err))
	}
	s.metrics.Auth(op, "ok")
	s.logger.Infow("password reset requested", "user_id", u.ID)
	return nil
}

// ResetPassword sets a new password using a reset token. The token is
// cleared in the same statement, so it works once.
func (s *UserService) ResetPassword(ctx context.Context, tok, newPassword string) error {
	const op = "reset_password"
	if err := checkPassword(op, newPassword); err != nil {
		s.metrics.Auth(op, "invalid")
		return err
	}
	if tok == "" {
		return oops.Code("NOT_FOUND").With("operation", op).Wrap(ErrNotFound)
	}
	digest := digestOf(tok)
	u, err := s.store.GetByResetToken(ctx, digest)
	if err != nil {
		s.metrics.Auth(op, outcome(err))
		return storeErr(op, err)
	}
	now := s.now()
	if !u.ResetPending(now) {
		s.metrics.Auth(op, "expired")
		return oops.Code("RESET_EXPIRED").With("operation", op).With("user_id", u.ID).Wrap(ErrNotFound)
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("HASH_FAILED").With("operation", op).Wrap(err)
	}
	if err := s.store.ConsumeResetToken(ctx, u.ID, digest, hash, now); err != nil {
		s.metrics.Auth(op, outcome(err))
		return storeErr(op, err)
	}
	s.metrics.Auth(op, "ok")
	s.logger.Infow("password reset", "user_id", u.ID)
	return nil
}

// GetUser returns the user with id.
func (s *UserService) GetUser(ctx context.Context, actor *access.Actor, id int64) (*entity.User, error) {
	const op = "get_user"
	if err := authorize(op, actor, access.OpRead, id); err != nil {
		return nil, err
	}
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return u, nil
}

// ListUsers returns every user.
func (s *UserService) ListUsers(ctx context.Context, actor *access.Actor) ([]entity.User, error) {
	const op = "get_users"
	if err := authorize(op, actor, access.OpList, 0); err != nil {
		return nil, err
	}
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return users, nil
}

// DeleteUser removes the user with id.
func (s *UserService) DeleteUser(ctx context.Context, actor *access.Actor, id int64) error {
	const op = "delete_user"
	if err := authorize(op, actor, access.OpDelete, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return storeErr(op, err)
	}
	s.logger.Infow("user deleted", "user_id", id, "actor_id", actor.ID)
	return nil
}

// Patch lists the fields to change; nil means unchanged.
type Patch struct {
	Name       *string
	Email      *string
	Password   *string
	Role       *string
	IsVerified *bool
}

func (p Patch) fields() []access.Field {
	var fs []access.Field
	if p.Name != nil {
		fs = append(fs, access.FieldName)
	}
	if p.Email != nil {
		fs = append(fs, access.FieldEmail)
	}
	if p.Password != nil {
		fs = append(fs, access.FieldPassword)
	}
	if p.Role != nil {
		fs = append(fs, access.FieldRole)
	}
	if p.IsVerified != nil {
		fs = append(fs, access.FieldIsVerified)
	}
	return fs
}

// UpdateUser applies p to the user with id. A changed email is unverified
// again and gets a fresh verification mail.
func (s *UserService) UpdateUser(ctx context.Context, actor *access.Actor, id int64, p Patch) (*entity.User, error) {
	const op = "update_user"
	if err := authorize(op, actor, access.OpUpdate, id); err != nil {
		return nil, err
	}
	fields := p.fields()
	if len(fields) == 0 {
		return nil, invalid(op, "nothing to update")
	}
	if !access.FieldsAllowed(*actor, id, fields) {
		return nil, denied(op, actor.ID)
	}
	var role entity.Role
	if p.Role != nil {
		r, err := entity.ParseRole(*p.Role)
		if err != nil {
			return nil, invalid(op, "unknown role %q", *p.Role)
		}
		if !access.CanGrant(*actor, r) {
			return nil, denied(op, actor.ID)
		}
		role = r
	}

	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(op, err)
	}

	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, invalid(op, "name cannot be empty")
		}
		u.Name = name
	}
	if p.Password != nil {
		if err := checkPassword(op, *p.Password); err != nil {
			return nil, err
		}
		hash, err := s.hasher.Hash(*p.Password)
		if err != nil {
			return nil, oops.Code("HASH_FAILED").With("operation", op).Wrap(err)
		}
		u.PasswordHash = hash
	}
	if p.Role != nil {
		u.Role = role
	}

	var verifyToken string
	if p.Email != nil {
		email, err := normalizeEmail(*p.Email)
		if err != nil {
			return nil, invalid(op, "%s", err)
		}
		if email != u.Email {
			plain, digest, err := newSecret()
			if err != nil {
				return nil, oops.Code("TOKEN_FAILED").With("operation", op).Wrap(err)
			}
			u.Email = email
			u.IsVerified = false
			u.VerificationToken = &digest
			verifyToken = plain
		}
	}
	if p.IsVerified != nil {
		u.IsVerified = *p.IsVerified
		if u.IsVerified {
			u.VerificationToken = nil
			verifyToken = ""
		}
	}

	if err := s.store.Update(ctx, u); err != nil {
		return nil, storeErr(op, err)
	}
	if verifyToken != "" {
		s.sendVerificationAsync(ctx, u, verifyToken)
	}
	s.logger.Infow("user updated", "user_id", u.ID, "actor_id", actor.ID, "fields", fields)
	u.VerificationToken = nil
	return u, nil
}

func authorize(op string, actor *access.Actor, o access.Operation, target int64) error {
	if actor == nil {
		return unauthenticated(op)
	}
	if !access.Allowed(*actor, o, target) {
		return denied(op, actor.ID)
	}
	return nil
}

func (s *UserService) lookupEmail(ctx context.Context, op, email string) (*entity.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, invalid(op, "email is required")
	}
	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return u, nil
}

// sendVerificationAsync mails the verification link in the background. The
// request context is detached so the mail outlives the response.
func (s *UserService) sendVerificationAsync(ctx context.Context, u *entity.User, plain string) {
	body, err := notify.VerificationBody(u.Name, s.links.verify(plain))
	if err != nil {
		s.logger.Errorw("render verification mail", "user_id", u.ID, "err", err)
		return
	}
	to := u.Email
	s.mails.Add(1)
	go func() {
		defer s.mails.Done()
		_ = s.deliver(context.WithoutCancel(ctx), "verification", to, notify.VerificationSubject, body)
	}()
}

func (s *UserService) deliver(ctx context.Context, kind, to, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, s.mailTimeout)
	defer cancel()
	if err := s.mailer.Send(ctx, to, subject, body); err != nil {
		s.metrics.Mail(kind, "error")
		s.logger.Warnw("mail delivery failed", "kind", kind, "err", err)
		return err
	}
	s.metrics.Mail(kind, "ok")
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, userrepo.ErrNotFound):
		return "not_found"
	case errors.Is(err, userrepo.ErrDuplicate):
		return "conflict"
	default:
		return "error"
	}
}

func checkPassword(op, pw string) error {
	if pw == "" {
		return invalid(op, "password is required")
	}
	if len(pw) > MaxPasswordBytes {
		return invalid(op, "password is longer than %d bytes", MaxPasswordBytes)
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errors.New("email is not valid")
	}
	return email, nil
}

// newSecret returns a random 256-bit token and the SHA-256 digest that is stored.
func newSecret() (plain, digest string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	plain = hex.EncodeToString(b)
	return plain, digestOf(plain), nil
}

func digestOf(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
