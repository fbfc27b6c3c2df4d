// Package auth provides authentication for the hub: JWT bearer tokens for
// controllers and operators, HMAC or static tokens for device agents.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidDeviceToken = errors.New("invalid device token")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service is the builtin auth provider. It implements Provider,
// LoginProvider, and DeviceAuthProvider.
type Service struct {
	store               store.Store
	jwtSecret           []byte
	jwtExpiry           time.Duration
	deviceTokens        map[string]string // device_id -> static token
	deviceTokenSecret   string            // HMAC secret for time-limited tokens
	deviceTokenLifetime time.Duration
	initialAdmin        *config.InitialAdmin
}

// NewService creates the builtin auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]string)
	for _, dt := range cfg.DeviceTokens {
		tokens[dt.DeviceID] = dt.Token
	}

	return &Service{
		store:               s,
		jwtSecret:           []byte(cfg.JWTSecret),
		jwtExpiry:           cfg.JWTExpiry.Duration,
		deviceTokens:        tokens,
		deviceTokenSecret:   cfg.DeviceTokenSecret,
		deviceTokenLifetime: cfg.DeviceTokenLifetime.Duration,
		initialAdmin:        cfg.InitialAdmin,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// DeviceTokenSecret returns the HMAC secret for time-limited device tokens.
func (s *Service) DeviceTokenSecret() string {
	return s.deviceTokenSecret
}

// DeviceTokenLifetime returns the lifetime for generated device tokens.
func (s *Service) DeviceTokenLifetime() time.Duration {
	return s.deviceTokenLifetime
}

// GenerateDeviceToken creates a time-limited HMAC token for a device.
// Token format: {deviceID}:{timestamp}:{hmac-sha256(deviceID+timestamp, secret)}
func (s *Service) GenerateDeviceToken(deviceID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.deviceTokenSecret))
	mac.Write([]byte(deviceID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return deviceID + ":" + ts + ":" + sig
}

// ValidateDeviceToken verifies a device token and returns the device ID it
// authenticates. Static tokens are checked first when a device ID was
// supplied; otherwise the token is treated as a time-limited HMAC token,
// which carries its own device ID.
func (s *Service) ValidateDeviceToken(deviceID, token string) (string, error) {
	if deviceID != "" {
		if expected, ok := s.deviceTokens[deviceID]; ok && hmac.Equal([]byte(expected), []byte(token)) {
			return deviceID, nil
		}
	}

	id, err := s.validateTimeLimitedToken(token)
	if err != nil {
		return "", ErrInvalidDeviceToken
	}
	// A caller-supplied device ID must match the one baked into the token.
	if deviceID != "" && deviceID != id {
		return "", ErrInvalidDeviceToken
	}
	return id, nil
}

// validateTimeLimitedToken verifies an HMAC device token and returns the device ID.
func (s *Service) validateTimeLimitedToken(token string) (string, error) {
	if s.deviceTokenSecret == "" {
		return "", errors.New("time-limited tokens not configured")
	}

	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}

	deviceID, tsStr, sig := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, []byte(s.deviceTokenSecret))
	mac.Write([]byte(deviceID + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > s.deviceTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}

	return deviceID, nil
}

// Bootstrap creates the initial admin user if configured and not yet present.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.User, error) {
	existing, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
