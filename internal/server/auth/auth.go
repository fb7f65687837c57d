// Package auth issues and verifies device credentials. Each device registers
// once with a secret, gets back a signed JWT carrying its user and device
// identifiers, and presents that token as a bearer credential on every
// request and on the websocket dial.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/carelog/internal/common"
)

// Claims is the JWT payload attached to every issued token.
type Claims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

type device struct {
	userID     string
	secretHash []byte
}

// Service registers devices and mints tokens for them. Device records live
// in memory, matching the in-memory record store this server fronts.
type Service struct {
	secret     []byte
	expiration time.Duration

	mu      sync.RWMutex
	devices map[string]device // deviceID -> credentials
}

func NewService(secret string, expiration time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		expiration: expiration,
		devices:    make(map[string]device),
	}
}

// Register creates a device under the given user (a fresh user ID is minted
// when userID is empty) and returns the identifiers with the first token.
func (s *Service) Register(userID, deviceSecret string) (outUserID, deviceID, token string, err error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(deviceSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash device secret: %w", err)
	}

	if userID == "" {
		userID = uuid.NewString()
	}
	deviceID = uuid.NewString()

	s.mu.Lock()
	s.devices[deviceID] = device{userID: userID, secretHash: hash}
	s.mu.Unlock()

	token, err = s.issue(userID, deviceID)
	return userID, deviceID, token, err
}

// Login verifies a device secret and mints a fresh token.
func (s *Service) Login(deviceID, deviceSecret string) (string, error) {
	s.mu.RLock()
	d, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return "", common.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(d.secretHash, []byte(deviceSecret)); err != nil {
		return "", common.ErrUnauthorized
	}
	return s.issue(d.userID, deviceID)
}

func (s *Service) issue(userID, deviceID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token string, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, common.ErrUnauthorized
	}
	return claims, nil
}

type contextKey string

const (
	userIDKey   contextKey = "userID"
	deviceIDKey contextKey = "deviceID"
)

// Middleware rejects requests without a valid bearer token and stashes the
// caller's identity in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, deviceIDKey, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate extracts and verifies the bearer token on a request. Exposed
// separately so the websocket endpoint can authenticate before upgrading.
func (s *Service) Authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get(common.AccessTokenHeaderName)
	if header == "" {
		return nil, common.ErrUnauthorized
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, common.ErrUnauthorized
	}
	return s.Verify(parts[1])
}

// UserID reads the authenticated user from a request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// DeviceID reads the authenticated device from a request context.
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}
