package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"gopkg.in/yaml.v3"

	"github.com/agentum-ai/agentum/pkg/config"
	"github.com/agentum-ai/agentum/pkg/models"
	"github.com/agentum-ai/agentum/pkg/storage"
)

// tokenTTL is the access token lifetime.
const tokenTTL = 168 * time.Hour

// tokenType marks access tokens; other claim shapes are rejected.
const tokenType = "access"

// secretBytes is the size of the generated signing secret.
const secretBytes = 32

type secretsFile struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AuthService issues and validates access tokens and provisions anonymous
// users. The signing secret persists in secrets.yaml and is generated on
// first start.
type AuthService struct {
	store  *storage.Client
	secret []byte
	log    *slog.Logger
}

// NewAuthService loads or generates the signing secret at path.
func NewAuthService(store *storage.Client, path string) (*AuthService, error) {
	log := slog.With("component", "auth")

	secret, err := loadOrCreateSecret(path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing secret: %w", err)
	}

	return &AuthService{store: store, secret: secret, log: log}, nil
}

func loadOrCreateSecret(path string, log *slog.Logger) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var sf secretsFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if sf.JWTSecret == "" {
			return nil, fmt.Errorf("%s exists but jwt_secret is empty", path)
		}
		secret, err := base64.RawURLEncoding.DecodeString(sf.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("jwt_secret in %s is not valid base64url: %w", path, err)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)

	out, err := yaml.Marshal(&secretsFile{JWTSecret: encoded})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Info("Generated new signing secret",
		"path", path,
		"jwt_secret", config.MaskSensitive("jwt_secret", encoded))
	return secret, nil
}

// CreateAnonymousUser provisions a fresh anonymous user and returns it with
// an access token.
func (a *AuthService) CreateAnonymousUser(ctx context.Context) (*models.User, string, error) {
	user, err := a.store.CreateUser(ctx, uuid.New().String(), models.UserTypeAnonymous)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create anonymous user: %w", err)
	}
	token, err := a.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	a.log.Info("Anonymous user created", "user_id", user.ID)
	return user, token, nil
}

// TokenForUser issues a token for a caller-supplied user id, provisioning
// the user record if it does not exist yet.
func (a *AuthService) TokenForUser(ctx context.Context, userID string) (*models.User, string, error) {
	user, err := a.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to provision user %s: %w", userID, err)
	}
	token, err := a.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs an access token for the user.
func (a *AuthService) IssueToken(userID string) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(tokenTTL)).
		Claim("type", tokenType).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, a.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken verifies a token and returns the user id it names. The user
// must still exist in the store.
func (a *AuthService) ValidateToken(ctx context.Context, token string) (string, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, a.secret),
		jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if typ, ok := tok.Get("type"); !ok || typ != tokenType {
		return "", fmt.Errorf("%w: not an access token", ErrUnauthorized)
	}
	userID := tok.Subject()
	if userID == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if _, err := a.store.GetUser(ctx, userID); err != nil {
		return "", fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	return userID, nil
}
