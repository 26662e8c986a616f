package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

// Users is the persistence the auth service needs.
type Users interface {
	Create(ctx context.Context, tx pgx.Tx, u *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	SetTemporaryPassword(ctx context.Context, id uuid.UUID, hash string) error
}

type Service interface {
	Register(ctx context.Context, in RegisterInput) (*models.User, error)
	CreateAdmin(ctx context.Context, in RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (*Session, error)
	ChangePassword(ctx context.Context, actor models.Actor, current, next string) (*Session, error)
	ValidateToken(ctx context.Context, token string) (models.Actor, error)
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Session is the result of a successful login or password change. While
// MustChangePassword is set the token only authorizes a password change.
type Session struct {
	Token              string       `json:"token"`
	ExpiresAt          time.Time    `json:"expiresAt"`
	MustChangePassword bool         `json:"mustChangePassword"`
	User               *models.User `json:"user"`
}

type Options struct {
	Secret   []byte
	TokenTTL time.Duration
}

type service struct {
	users  Users
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewService fails when no signing secret is configured.
func NewService(users Users, opts Options, log *slog.Logger) (*service, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: jwt secret is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{users: users, secret: opts.Secret, ttl: opts.TokenTTL, now: time.Now, log: log}, nil
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

var errBadCredentials = &apperr.UnauthorizedError{Reason: "invalid email or password"}

type claims struct {
	jwt.RegisteredClaims
	Role           string `json:"role"`
	PasswordChange bool   `json:"pwc,omitempty"`
}

// Register creates a client account. Workers come from approved
// applications and admins from the CLI.
func (s *service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	return s.create(ctx, in, models.RoleClient)
}

// CreateAdmin creates an admin account. Only the CLI calls it.
func (s *service) CreateAdmin(ctx context.Context, in RegisterInput) (*models.User, error) {
	return s.create(ctx, in, models.RoleAdmin)
}

func (s *service) create(ctx context.Context, in RegisterInput, role string) (*models.User, error) {
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		ID:           uuid.New(),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Name:         strings.TrimSpace(in.Name),
		Role:         role,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, nil, u); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, &apperr.ConflictError{ErrCode: "EMAIL_TAKEN", Message: "email already registered"}
		}
		return nil, apperr.Persistence("create user", err)
	}
	s.log.Info("user registered", "user_id", u.ID, "role", role)
	return u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, apperr.Persistence("load user", err)
	}
	if !checkPassword(u.PasswordHash, password) {
		return nil, errBadCredentials
	}
	return s.session(u)
}

func (s *service) session(u *models.User) (*Session, error) {
	token, exp, err := s.IssueToken(models.Actor{ID: u.ID, Role: u.Role, PasswordChangeRequired: u.MustChangePassword})
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: exp, MustChangePassword: u.MustChangePassword, User: u}, nil
}

// ChangePassword sets a new password and returns a fresh session, whose
// token is no longer restricted to password changes.
func (s *service) ChangePassword(ctx context.Context, actor models.Actor, current, next string) (*Session, error) {
	u, err := s.users.GetByID(ctx, actor.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "user", ID: actor.ID.String()}
	}
	if err != nil {
		return nil, apperr.Persistence("load user", err)
	}
	if !checkPassword(u.PasswordHash, current) {
		return nil, apperr.Invalid("currentPassword", "is incorrect")
	}
	if current == next {
		return nil, apperr.Invalid("newPassword", "must differ from the current password")
	}
	hash, err := HashPassword(next)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return nil, apperr.Persistence("update password", err)
	}
	u.PasswordHash = hash
	u.MustChangePassword = false
	return s.session(u)
}

// IssueTemporaryPassword gives an account that has not chosen a password
// a fresh temporary one. It returns "" once the user has set their own.
func (s *service) IssueTemporaryPassword(ctx context.Context, userID uuid.UUID) (string, error) {
	temp, err := TemporaryPassword()
	if err != nil {
		return "", fmt.Errorf("generate temporary password: %w", err)
	}
	hash, err := HashPassword(temp)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	err = s.users.SetTemporaryPassword(ctx, userID, hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Persistence("set temporary password", err)
	}
	return temp, nil
}

// IssueToken signs an HS256 token carrying the actor's id, role and
// pending password change.
func (s *service) IssueToken(a models.Actor) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role:           a.Role,
		PasswordChange: a.PasswordChangeRequired,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tok, exp, nil
}

func (s *service) ValidateToken(ctx context.Context, token string) (models.Actor, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return models.Actor{}, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return models.Actor{}, errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return models.Actor{}, err
	}
	switch c.Role {
	case models.RoleClient, models.RoleWorker, models.RoleAdmin:
	default:
		return models.Actor{}, errors.New("invalid role claim")
	}
	return models.Actor{ID: id, Role: c.Role, PasswordChangeRequired: c.PasswordChange}, nil
}
