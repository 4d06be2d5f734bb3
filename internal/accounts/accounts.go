// Package accounts is a small user registration and login service built on
// eventproc: each action of an incoming event is routed to its processor,
// and unknown actions fall through to a rank -1 default.
package accounts

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/bjaus/eventproc"
	"github.com/bjaus/eventproc/resources"
)

// Database is the SQL resource name the processors depend on.
const Database = "accounts"

// RoleUser is the role of every self-registered account.
const RoleUser = "user"

// RegisterRequest is the payload of register events.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate enforces the password policy.
func (r RegisterRequest) Validate() error {
	if !strings.Contains(r.Email, "@") {
		return errors.New("email is invalid")
	}
	if len(r.Password) < 8 {
		return errors.New("password should be at least 8 characters")
	}
	if !strings.ContainsFunc(r.Password, unicode.IsLower) {
		return errors.New("password should contain at least one lowercase letter")
	}
	if !strings.ContainsFunc(r.Password, unicode.IsUpper) {
		return errors.New("password should contain at least one uppercase letter")
	}
	if !strings.ContainsFunc(r.Password, unicode.IsDigit) {
		return errors.New("password should contain at least one digit")
	}
	return nil
}

// RegisterResponse is returned for a created account.
type RegisterResponse struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// LoginRequest is the payload of login events.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned for valid credentials.
type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// ErrorResponse is returned for requests the service understood but
// refused.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Service holds the account processors' dependencies.
type Service struct {
	logger   *zap.Logger
	hashCost int
	store    *eventproc.Provider
}

// NewService creates the account service. hashCost is the bcrypt cost; 0
// selects bcrypt.DefaultCost.
func NewService(logger *zap.Logger, hashCost int) *Service {
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	s := &Service{logger: logger, hashCost: hashCost}
	s.store = eventproc.NewProvider("accounts.store", func(_ context.Context, args eventproc.Args) (any, error) {
		db, err := eventproc.ArgAs[*sql.DB](args, 0)
		if err != nil {
			return nil, err
		}
		return NewStore(db), nil
	}, eventproc.FactoryDep(resources.FactorySQL, Database))
	return s
}

// Register adds the account processors to p. p must already carry the
// resources factories.
func (s *Service) Register(p *eventproc.Processor) error {
	if _, err := p.Register(eventproc.Eq("action", "register"),
		eventproc.Func(s.register),
		eventproc.Named("accounts.register"),
		eventproc.PreProcess(eventproc.Bind[RegisterRequest]()),
		eventproc.Deps(eventproc.Depends(s.store)),
	); err != nil {
		return err
	}

	if _, err := p.Register(eventproc.Eq("action", "login"),
		eventproc.Func(s.login),
		eventproc.Named("accounts.login"),
		eventproc.PreProcess(eventproc.Bind[LoginRequest]()),
		eventproc.Deps(eventproc.Depends(s.store)),
	); err != nil {
		return err
	}

	_, err := p.Register(eventproc.Accept(),
		eventproc.HandlerFunc(s.unknown),
		eventproc.Named("accounts.unknown"),
		eventproc.Rank(-1),
	)
	return err
}

func (s *Service) register(ctx context.Context, req RegisterRequest, deps eventproc.Args) (any, error) {
	store, err := eventproc.ArgAs[*Store](deps, 0)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}

	created, err := store.Insert(ctx, User{Email: req.Email, Role: RoleUser, PasswordHash: hash})
	if err != nil {
		return nil, err
	}
	if !created {
		return ErrorResponse{Message: "Email already registered"}, nil
	}

	s.logger.Info("account registered", zap.String("email", req.Email))
	return RegisterResponse{Email: req.Email, Role: RoleUser}, nil
}

func (s *Service) login(ctx context.Context, req LoginRequest, deps eventproc.Args) (any, error) {
	store, err := eventproc.ArgAs[*Store](deps, 0)
	if err != nil {
		return nil, err
	}

	u, err := store.Find(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if u == nil || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		return ErrorResponse{Message: "Invalid username or password"}, nil
	}
	return LoginResponse{Token: uuid.NewString(), Role: u.Role}, nil
}

func (s *Service) unknown(context.Context, any, eventproc.Args) (any, error) {
	return ErrorResponse{Message: "Unknown action!"}, nil
}
