package authz

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/stanstork/fieldnotify/internal/models"
)

var ErrTokenSecretMissing = errors.New("token secret is not configured")

const serviceSubject = "fieldnotify-service"

// TokenManager signs and verifies HS256 tokens for users and for the relay.
type TokenManager struct {
	secret        []byte
	serviceSecret []byte
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// WithServiceSecret makes service tokens use their own secret. User tokens
// keep the primary one.
func (m *TokenManager) WithServiceSecret(secret string) *TokenManager {
	if secret != "" {
		m.serviceSecret = []byte(secret)
	}
	return m
}

func (m *TokenManager) Enabled() bool {
	return len(m.secret) > 0
}

// IssueUser creates a token identifying a user session.
func (m *TokenManager) IssueUser(userID string, role models.UserRole, employeeID *int64, ttl time.Duration) (string, error) {
	if !m.Enabled() {
		return "", ErrTokenSecretMissing
	}
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	if employeeID != nil {
		claims["eid"] = strconv.FormatInt(*employeeID, 10)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// IssueService creates a short lived token for process-to-process calls.
func (m *TokenManager) IssueService(ttl time.Duration) (string, error) {
	if !m.Enabled() {
		return "", ErrTokenSecretMissing
	}
	claims := jwt.MapClaims{
		"sub": serviceSubject,
		"svc": true,
		"exp": time.Now().Add(ttl).Unix(),
	}
	secret := m.secret
	if len(m.serviceSecret) > 0 {
		secret = m.serviceSecret
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Parse validates a token and returns the identity it carries.
func (m *TokenManager) Parse(tokenString string) (Identity, error) {
	if !m.Enabled() {
		return Identity{}, ErrTokenSecretMissing
	}
	claims, err := parseClaims(tokenString, m.secret)
	if err != nil {
		if len(m.serviceSecret) == 0 {
			return Identity{}, err
		}
		svcClaims, svcErr := parseClaims(tokenString, m.serviceSecret)
		if svcErr != nil {
			return Identity{}, err
		}
		if svc, _ := svcClaims["svc"].(bool); !svc {
			return Identity{}, errors.New("service secret used for a user token")
		}
		return Identity{UserID: serviceSubject, Service: true}, nil
	}

	if svc, _ := claims["svc"].(bool); svc {
		return Identity{UserID: serviceSubject, Service: true}, nil
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errors.New("token has no subject")
	}
	identity := Identity{UserID: sub}
	if role, ok := claims["role"].(string); ok {
		identity.Role = models.UserRole(role)
	}
	if raw, ok := claims["eid"].(string); ok && raw != "" {
		eid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid employee claim: %w", err)
		}
		identity.EmployeeID = &eid
	}
	return identity, nil
}

// VerifyService reports whether tokenString is a valid service token.
func (m *TokenManager) VerifyService(tokenString string) bool {
	identity, err := m.Parse(tokenString)
	return err == nil && identity.Service
}

func parseClaims(tokenString string, secret []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
