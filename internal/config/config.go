// Package config loads and validates barter settings from BARTER_* environment variables and
// an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Document backends
const (
	BackendFS        = "fs"
	BackendFirestore = "firestore"
	BackendDatastore = "datastore"
	BackendGorm      = "gorm"
)

// Identity providers
const (
	AuthLocal    = "local"
	AuthFirebase = "firebase"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Addr is the address the gateway listens on (e.g. :8080).
	Addr string `mapstructure:"ADDR"`
	// BaseURL is the externally visible URL, used in reset links and OAuth redirects.
	BaseURL string `mapstructure:"BASE_URL"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Backend selects the document store: fs, firestore, datastore or gorm.
	Backend string `mapstructure:"BACKEND"`
	// StoragePath is the root directory of the fs backend.
	StoragePath string `mapstructure:"STORAGE_PATH"`
	// GCPProject is the Google Cloud project of the firestore and datastore backends.
	GCPProject string `mapstructure:"GCP_PROJECT"`
	// DatastoreNamespace isolates datastore entities (optional).
	DatastoreNamespace string `mapstructure:"DATASTORE_NAMESPACE"`
	// FirestoreEmulatorHost points the firestore backend at an emulator (host:port).
	FirestoreEmulatorHost string `mapstructure:"FIRESTORE_EMULATOR_HOST"`
	// DBDriver is postgres or sqlite for the gorm backend.
	DBDriver string `mapstructure:"DB_DRIVER"`
	// DBDSN is the gorm connection string.
	DBDSN string `mapstructure:"DB_DSN"`
	// WatchPollInterval re-runs subscriptions periodically on backends without realtime; 0 disables.
	WatchPollInterval time.Duration `mapstructure:"WATCH_POLL_INTERVAL"`

	// AuthProvider selects the identity backend: local or firebase.
	AuthProvider string `mapstructure:"AUTH_PROVIDER"`
	// FirebaseAPIKey is the web API key of the Firebase project.
	FirebaseAPIKey string `mapstructure:"FIREBASE_API_KEY"`
	// FirebaseAuthEndpoint overrides the Identity Toolkit URL, e.g. for the Auth emulator.
	FirebaseAuthEndpoint string `mapstructure:"FIREBASE_AUTH_ENDPOINT"`
	// GoogleClientID and GoogleClientSecret identify the OAuth client for Google sign-in.
	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	// GoogleRedirectURL defaults to BaseURL + /auth/google/callback/.
	GoogleRedirectURL string `mapstructure:"GOOGLE_REDIRECT_URL"`

	// JWTSecret signs id tokens of the local provider; required when AuthProvider is local.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTIssuer is the iss claim of local id tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// IDTokenTTL and RefreshTokenTTL are the local token lifetimes.
	IDTokenTTL      time.Duration `mapstructure:"ID_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	// BcryptCost is the bcrypt cost factor (4-31).
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// MinPasswordLength is the local sign-up minimum.
	MinPasswordLength int `mapstructure:"MIN_PASSWORD_LENGTH"`

	// SessionLifetime bounds browser sessions; idle sessions are closed after it.
	SessionLifetime time.Duration `mapstructure:"SESSION_LIFETIME"`
	// CookieSecure marks the session cookie Secure.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// AuthRatePerMinute and AuthRateBurst limit auth requests per client IP.
	AuthRatePerMinute float64 `mapstructure:"AUTH_RATE_PER_MINUTE"`
	AuthRateBurst     int     `mapstructure:"AUTH_RATE_BURST"`

	// CredentialsFile is where the CLI keeps its session; empty means the user config dir.
	CredentialsFile string `mapstructure:"CREDENTIALS_FILE"`
}

var defaults = map[string]any{
	"ADDR":                    ":8080",
	"BASE_URL":                "http://localhost:8080",
	"LOG_LEVEL":               "info",
	"BACKEND":                 BackendFS,
	"STORAGE_PATH":            "./data",
	"GCP_PROJECT":             "",
	"DATASTORE_NAMESPACE":     "",
	"FIRESTORE_EMULATOR_HOST": "",
	"DB_DRIVER":               "sqlite",
	"DB_DSN":                  "",
	"WATCH_POLL_INTERVAL":     "0s",
	"AUTH_PROVIDER":           AuthLocal,
	"FIREBASE_API_KEY":        "",
	"FIREBASE_AUTH_ENDPOINT":  "",
	"GOOGLE_CLIENT_ID":        "",
	"GOOGLE_CLIENT_SECRET":    "",
	"GOOGLE_REDIRECT_URL":     "",
	"JWT_SECRET":              "",
	"JWT_ISSUER":              "barter",
	"ID_TOKEN_TTL":            "1h",
	"REFRESH_TOKEN_TTL":       "720h",
	"BCRYPT_COST":             10,
	"MIN_PASSWORD_LENGTH":     6,
	"SESSION_LIFETIME":        "24h",
	"COOKIE_SECURE":           false,
	"AUTH_RATE_PER_MINUTE":    30,
	"AUTH_RATE_BURST":         10,
	"CREDENTIALS_FILE":        "",
}

// Load reads envFile (if present, ".env" when empty), then builds and validates Config from
// BARTER_* environment variables via Viper.  Env vars override the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing file is fine

	v.SetEnvPrefix("BARTER")
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and applies derived defaults
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(c.Backend)
	c.AuthProvider = strings.ToLower(c.AuthProvider)

	switch c.Backend {
	case BackendFS:
		if c.StoragePath == "" {
			return errors.New("config: BARTER_STORAGE_PATH must be set for the fs backend")
		}
	case BackendFirestore, BackendDatastore:
		if c.GCPProject == "" {
			return fmt.Errorf("config: BARTER_GCP_PROJECT must be set for the %s backend", c.Backend)
		}
	case BackendGorm:
		if c.DBDSN == "" {
			return errors.New("config: BARTER_DB_DSN must be set for the gorm backend")
		}
	default:
		return fmt.Errorf("config: unknown BARTER_BACKEND %q", c.Backend)
	}

	switch c.AuthProvider {
	case AuthLocal:
		if c.JWTSecret == "" {
			return errors.New("config: BARTER_JWT_SECRET must be set for the local auth provider")
		}
	case AuthFirebase:
		if c.FirebaseAPIKey == "" {
			return errors.New("config: BARTER_FIREBASE_API_KEY must be set for the firebase auth provider")
		}
	default:
		return fmt.Errorf("config: unknown BARTER_AUTH_PROVIDER %q", c.AuthProvider)
	}

	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BARTER_BCRYPT_COST must be between 4 and 31")
	}
	if c.GoogleRedirectURL == "" {
		c.GoogleRedirectURL = strings.TrimSuffix(c.BaseURL, "/") + "/auth/google/callback/"
	}
	return nil
}

// GoogleEnabled reports whether Google sign-in is configured
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}
