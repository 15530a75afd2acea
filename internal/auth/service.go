package auth

import (
	"context"
	"errors"
	"fmt"

	. "trustlink-chat/pkg/chat"
	"gorm.io/gorm"
)

// AuthService resolves bearer tokens to identities backed by the users table.
type AuthService struct {
	db     *gorm.DB
	tokens *TokenIssuer
}

func NewAuthService(db *gorm.DB, tokens *TokenIssuer) *AuthService {
	return &AuthService{db: db, tokens: tokens}
}

func (s *AuthService) Tokens() *TokenIssuer { return s.tokens }

// Resolve validates token and loads its user. The stored role wins over the
// role claim so that demotions apply to tokens already issued.
func (s *AuthService) Resolve(ctx context.Context, token string) (Identity, error) {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}

	user, err := s.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown user", ErrAuthentication)
		}
		return Identity{}, err
	}
	if !user.IsActive {
		return Identity{}, fmt.Errorf("%w: user inactive", ErrAuthentication)
	}

	role, ok := ParseRole(string(user.Role))
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrAuthentication, user.Role)
	}

	return Identity{UserID: user.ID, FullName: user.FullName, Role: role}, nil
}

func (s *AuthService) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser stores an active user. It is used for seeding and by the token tool.
func (s *AuthService) CreateUser(ctx context.Context, fullName string, role Role) (*User, error) {
	if fullName == "" {
		return nil, errors.New("full name cannot be empty")
	}
	if _, ok := ParseRole(string(role)); !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	user := User{FullName: fullName, Role: role, IsActive: true}
	return &user, s.db.WithContext(ctx).Create(&user).Error
}
