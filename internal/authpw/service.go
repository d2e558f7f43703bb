// Package authpw provides email/password accounts.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"logbook/api/internal/store"
	"logbook/api/internal/util"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const minPasswordLength = 8

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(users UserStore) *Service {
	return &Service{store: users, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost, mainly for tests.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if len(req.Password) < minPasswordLength {
		return store.User{}, ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("look up email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn returns the user on a password match. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("look up email: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
