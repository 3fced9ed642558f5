package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

type AuthStore interface {
	FindUserByEmail(email string) (*models.User, error)
	AddUser(user *models.User) error
}

// TokenSigner mints an access token for an authenticated user.
type TokenSigner func(userID, email string, ttl time.Duration) (string, error)

type AuthService struct {
	store       AuthStore
	now         func() time.Time
	idGenerator func() string
	signToken   TokenSigner
	tokenTTL    time.Duration
}

type AuthResult struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

func NewAuthService(store AuthStore, signToken TokenSigner) *AuthService {
	return &AuthService{
		store:       store,
		now:         time.Now,
		idGenerator: func() string { return shortID(12) },
		signToken:   signToken,
		tokenTTL:    30 * 24 * time.Hour,
	}
}

func (s *AuthService) Register(email, password, name string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, NewInvalidError("a valid email is required")
	}
	if len(password) < 8 {
		return nil, NewInvalidError("password must be at least 8 characters")
	}

	existing, err := s.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:        s.idGenerator(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		PassHash:  hash,
		CreatedAt: s.now(),
	}
	if err := s.store.AddUser(user); err != nil {
		return nil, err
	}
	return s.issue(user)
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, NewUnauthorizedError("invalid email or password")
	}
	if bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)) != nil {
		return nil, NewUnauthorizedError("invalid email or password")
	}
	return s.issue(user)
}

func (s *AuthService) issue(user *models.User) (*AuthResult, error) {
	token, err := s.signToken(user.ID, user.Email, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, UserID: user.ID}, nil
}
