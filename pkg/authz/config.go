package authz

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/kubeflow/data-catalog/pkg/cache"
)

// AuthzMode selects the authorization backend.
type AuthzMode string

const (
	// AuthzModeNone disables authorization checks (dev/backward compat).
	AuthzModeNone AuthzMode = "none"
	// AuthzModeSAR uses Kubernetes SubjectAccessReview for authorization.
	AuthzModeSAR AuthzMode = "sar"
)

// Config selects and tunes the request authorizer.
type Config struct {
	Mode AuthzMode

	// Namespace scopes SubjectAccessReview checks. Empty means cluster scope.
	Namespace string

	// CacheTTL bounds how long SAR decisions are reused.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached SAR decisions.
	CacheSize int

	// JWT holds bearer token settings. Tokens are only accepted when
	// JWTEnabled is set.
	JWTEnabled bool
	JWT        TokenVerifierConfig
}

// DefaultConfig returns a Config that authorizes everything and reads
// identities from proxy headers.
func DefaultConfig() *Config {
	return &Config{
		Mode:      AuthzModeNone,
		CacheTTL:  DefaultCacheTTL,
		CacheSize: 1000,
	}
}

// ConfigFromEnv reads authorization configuration from environment variables.
//
// Environment variables:
//   - CATALOG_AUTHZ_MODE: "none" or "sar" (default: "none")
//   - CATALOG_AUTHZ_NAMESPACE: namespace for SAR checks
//   - CATALOG_AUTHZ_CACHE_TTL: SAR decision lifetime in seconds (default: 10)
//   - CATALOG_AUTH_MODE: "jwt" enables bearer tokens
//   - CATALOG_JWT_PUBLIC_KEY_PATH, CATALOG_JWT_ISSUER, CATALOG_JWT_AUDIENCE
//   - CATALOG_JWT_USER_CLAIM (default: "sub"), CATALOG_JWT_GROUPS_CLAIM (default: "groups")
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	switch mode := AuthzMode(os.Getenv("CATALOG_AUTHZ_MODE")); mode {
	case "":
	case AuthzModeNone, AuthzModeSAR:
		cfg.Mode = mode
	default:
		return nil, fmt.Errorf("unknown authz mode %q (expected none or sar)", mode)
	}
	cfg.Namespace = os.Getenv("CATALOG_AUTHZ_NAMESPACE")
	if v := os.Getenv("CATALOG_AUTHZ_CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.CacheTTL = time.Duration(secs) * time.Second
		}
	}

	if os.Getenv("CATALOG_AUTH_MODE") == "jwt" {
		cfg.JWTEnabled = true
		cfg.JWT = TokenVerifierConfig{
			PublicKeyPath: os.Getenv("CATALOG_JWT_PUBLIC_KEY_PATH"),
			Issuer:        os.Getenv("CATALOG_JWT_ISSUER"),
			Audience:      os.Getenv("CATALOG_JWT_AUDIENCE"),
			UserClaim:     os.Getenv("CATALOG_JWT_USER_CLAIM"),
			GroupsClaim:   os.Getenv("CATALOG_JWT_GROUPS_CLAIM"),
		}
	}

	return cfg, nil
}

// NewAuthorizer builds the Authorizer selected by cfg. SAR mode needs an
// in-cluster Kubernetes client and wraps it in a CachedAuthorizer.
func NewAuthorizer(cfg *Config, logger *slog.Logger) (Authorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case AuthzModeNone, "":
		logger.Info("request authorization disabled")
		return AllowAll, nil
	case AuthzModeSAR:
		k8sCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("create in-cluster K8s config: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(k8sCfg)
		if err != nil {
			return nil, fmt.Errorf("create K8s clientset: %w", err)
		}
		logger.Info("using SubjectAccessReview authorization", "namespace", cfg.Namespace, "cacheTTL", cfg.CacheTTL)
		decisions := cache.New[string, bool](&cache.Config{Enabled: true, MaxSize: cfg.CacheSize, TTL: cfg.CacheTTL})
		return NewCachedAuthorizer(NewSARAuthorizer(clientset, cfg.Namespace), decisions), nil
	}
	return nil, fmt.Errorf("unknown authz mode %q", cfg.Mode)
}

// NewVerifier returns the bearer token verifier configured by cfg, or nil
// when bearer tokens are disabled.
func (c *Config) NewVerifier(logger *slog.Logger) (*TokenVerifier, error) {
	if !c.JWTEnabled {
		return nil, nil
	}
	jwtCfg := c.JWT
	jwtCfg.Logger = logger
	return NewTokenVerifier(jwtCfg)
}
