package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifierConfig configures bearer token verification.
type TokenVerifierConfig struct {
	// PublicKeyPath is the path to the PEM-encoded RSA public key for RS256
	// verification. If empty, tokens are parsed but NOT verified, which is
	// only safe behind a proxy that already validated them.
	PublicKeyPath string

	// Issuer is the expected iss claim. Empty disables the check.
	Issuer string

	// Audience is the expected aud claim. Empty disables the check.
	Audience string

	// UserClaim is the claim path holding the user name. Default: "sub".
	UserClaim string

	// GroupsClaim is the claim path holding group membership. Supports
	// dot-notation for nested claims (e.g. "realm_access.roles").
	// Default: "groups".
	GroupsClaim string

	Logger *slog.Logger
}

// TokenVerifier turns bearer tokens into identities.
type TokenVerifier struct {
	cfg       TokenVerifierConfig
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewTokenVerifier loads the verification key named in cfg.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if cfg.UserClaim == "" {
		cfg.UserClaim = "sub"
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v := &TokenVerifier{cfg: cfg, parser: jwt.NewParser(opts...)}

	if cfg.PublicKeyPath == "" {
		cfg.Logger.Warn("no JWT public key configured, tokens are parsed without verification")
		return v, nil
	}

	keyData, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key from %s: %w", cfg.PublicKeyPath, err)
	}
	key, err := ParseRSAPublicKey(keyData)
	if err != nil {
		return nil, err
	}
	v.publicKey = key
	cfg.Logger.Info("verifying bearer tokens with RS256", "keyPath", cfg.PublicKeyPath)
	return v, nil
}

// NewTokenVerifierWithKey builds a verifier around an in-memory key.
func NewTokenVerifierWithKey(key *rsa.PublicKey, cfg TokenVerifierConfig) *TokenVerifier {
	cfg.PublicKeyPath = ""
	v, _ := NewTokenVerifier(cfg)
	v.publicKey = key
	return v
}

// ParseRSAPublicKey decodes a PEM-encoded PKIX RSA public key.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block: no key found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return key, nil
}

// Verify parses tokenString and maps its claims to an Identity.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	var (
		token *jwt.Token
		err   error
	)
	if v.publicKey != nil {
		token, err = v.parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		})
	} else {
		token, _, err = v.parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	user, _ := claimAt(claims, v.cfg.UserClaim).(string)
	if user == "" {
		return Identity{}, fmt.Errorf("%w: missing %q claim", ErrInvalidToken, v.cfg.UserClaim)
	}

	var groups []string
	switch g := claimAt(claims, v.cfg.GroupsClaim).(type) {
	case string:
		groups = splitGroups(g)
	case []any:
		for _, item := range g {
			if s, ok := item.(string); ok && s != "" {
				groups = append(groups, s)
			}
		}
	}

	return Identity{User: user, Groups: groups, Claims: claims}, nil
}

// claimAt walks a dot-separated claim path.
func claimAt(claims jwt.MapClaims, path string) any {
	var current any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
