// Package config resolves propledger settings from flags, PROPLEDGER_*
// environment variables and built-in defaults, in that order of precedence.
//
//	PROPLEDGER_STORAGE_DRIVER      memory|sqlite|postgres (default sqlite)
//	PROPLEDGER_SQLITE_PATH         sqlite file (default ./propledger.db)
//	PROPLEDGER_POSTGRES_DSN        postgres DSN when driver=postgres
//	PROPLEDGER_BLOB_DRIVER         fs|s3|memory (default fs)
//	PROPLEDGER_BLOB_FS_ROOT        directory root when driver=fs (default ./blobdata)
//	PROPLEDGER_BLOB_S3_BUCKET      bucket when driver=s3
//	PROPLEDGER_BLOB_S3_REGION      region (default us-east-1)
//	PROPLEDGER_BLOB_S3_ENDPOINT    custom endpoint, e.g. MinIO
//	PROPLEDGER_BLOB_S3_PATH_STYLE  true|false
//	PROPLEDGER_BLOB_S3_ACCESS_KEY_ID / PROPLEDGER_BLOB_S3_SECRET_ACCESS_KEY
//	PROPLEDGER_HTTP_ADDR           listen address (default :8080)
//	PROPLEDGER_JWT_SECRET          HMAC signing secret, at least 32 bytes
//	PROPLEDGER_JWT_ISSUER          token issuer (default propledger)
//	PROPLEDGER_TOKEN_TTL           access token lifetime (default 1h)
//	PROPLEDGER_CACHE_TTL           revenue cache entry lifetime (default 5m)
//	PROPLEDGER_CACHE_SIZE          revenue cache capacity (default 1024)
//	PROPLEDGER_FALLBACK_PATH       JSON file with fallback revenue (default: embedded data)
//	PROPLEDGER_LOG_FORMAT          json|console (default json)
//	PROPLEDGER_LOG_LEVEL           zap level (default info)
//	PROPLEDGER_TRACE_FILE          append one JSON line per service operation to this file
//	PROPLEDGER_SERVER              API base URL used by the client commands
//	PROPLEDGER_SESSION_FILE        saved session path (default: user config dir)
//	PROPLEDGER_RESTORE_TIMEOUT     bound on restoring a saved session (default 5s)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "PROPLEDGER"

// MinSecretLength is the minimum accepted JWT secret size in bytes.
const MinSecretLength = 32

// Keys double as flag names. Environment variables are the upper-cased key
// with dashes replaced by underscores, prefixed with EnvPrefix.
const (
	KeyStorageDriver     = "storage-driver"
	KeySQLitePath        = "sqlite-path"
	KeyPostgresDSN       = "postgres-dsn"
	KeyBlobDriver        = "blob-driver"
	KeyBlobFSRoot        = "blob-fs-root"
	KeyBlobS3Bucket      = "blob-s3-bucket"
	KeyBlobS3Region      = "blob-s3-region"
	KeyBlobS3Endpoint    = "blob-s3-endpoint"
	KeyBlobS3PathStyle   = "blob-s3-path-style"
	KeyBlobS3AccessKey   = "blob-s3-access-key-id"
	KeyBlobS3SecretKey   = "blob-s3-secret-access-key"
	KeyHTTPAddr          = "http-addr"
	KeyShutdownTimeout   = "shutdown-timeout"
	KeyJWTSecret         = "jwt-secret"
	KeyJWTIssuer         = "jwt-issuer"
	KeyTokenTTL          = "token-ttl"
	KeyCacheTTL          = "cache-ttl"
	KeyCacheSize         = "cache-size"
	KeyFallbackPath      = "fallback-path"
	KeyFallbackDisabled  = "fallback-disabled"
	KeyLogFormat         = "log-format"
	KeyLogLevel          = "log-level"
	KeyTraceFile         = "trace-file"
	KeyReportWorkerQueue = "report-queue-size"
	KeyMetricsBackend    = "metrics-backend"
	KeyQueryTimeout      = "query-timeout"
	KeyServerURL         = "server"
	KeySessionFile       = "session-file"
	KeyRestoreTimeout    = "restore-timeout"
)

// Storage selects the persistence backend.
type Storage struct {
	Driver       string
	SQLitePath   string
	PostgresDSN  string
	QueryTimeout time.Duration
}

// S3 holds S3 blob settings.
type S3 struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Blob selects the artifact store for exported reports.
type Blob struct {
	Driver string
	FSRoot string
	S3     S3
}

// HTTP configures the API server.
type HTTP struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Auth configures token issuance.
type Auth struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// Cache configures the revenue cache.
type Cache struct {
	TTL  time.Duration
	Size int
}

// Fallback configures the degraded-mode revenue source.
type Fallback struct {
	Path     string
	Disabled bool
}

// Log configures the zap logger.
type Log struct {
	Format    string
	Level     string
	TraceFile string
	// Metrics selects where service operation metrics go.
	Metrics string
}

// Client configures the client-side commands.
type Client struct {
	ServerURL      string
	SessionFile    string
	RestoreTimeout time.Duration
}

// Config is the fully resolved configuration.
type Config struct {
	Storage         Storage
	Blob            Blob
	HTTP            HTTP
	Auth            Auth
	Cache           Cache
	Fallback        Fallback
	Log             Log
	ReportQueueSize int
	Client          Client
}

var defaults = map[string]any{
	KeyStorageDriver:     "sqlite",
	KeySQLitePath:        "./propledger.db",
	KeyPostgresDSN:       "",
	KeyBlobDriver:        "fs",
	KeyBlobFSRoot:        "./blobdata",
	KeyBlobS3Bucket:      "",
	KeyBlobS3Region:      "us-east-1",
	KeyBlobS3Endpoint:    "",
	KeyBlobS3PathStyle:   false,
	KeyBlobS3AccessKey:   "",
	KeyBlobS3SecretKey:   "",
	KeyHTTPAddr:          ":8080",
	KeyShutdownTimeout:   10 * time.Second,
	KeyJWTSecret:         "",
	KeyJWTIssuer:         "propledger",
	KeyTokenTTL:          time.Hour,
	KeyCacheTTL:          5 * time.Minute,
	KeyCacheSize:         1024,
	KeyFallbackPath:      "",
	KeyFallbackDisabled:  false,
	KeyLogFormat:         "json",
	KeyLogLevel:          "info",
	KeyTraceFile:         "",
	KeyReportWorkerQueue: 32,
	KeyMetricsBackend:    "prometheus",
	KeyQueryTimeout:      10 * time.Second,
	KeyServerURL:         "http://localhost:8080",
	KeySessionFile:       "",
	KeyRestoreTimeout:    5 * time.Second,
}

var descriptions = map[string]string{
	KeyStorageDriver:     "persistence backend: memory|sqlite|postgres",
	KeySQLitePath:        "sqlite database file",
	KeyPostgresDSN:       "postgres connection string",
	KeyBlobDriver:        "report artifact store: fs|s3|memory",
	KeyBlobFSRoot:        "filesystem blob root",
	KeyBlobS3Bucket:      "S3 bucket for report artifacts",
	KeyBlobS3Region:      "S3 region",
	KeyBlobS3Endpoint:    "custom S3 endpoint (MinIO)",
	KeyBlobS3PathStyle:   "use path-style S3 addressing",
	KeyBlobS3AccessKey:   "static S3 access key id",
	KeyBlobS3SecretKey:   "static S3 secret access key",
	KeyHTTPAddr:          "HTTP listen address",
	KeyShutdownTimeout:   "graceful shutdown timeout",
	KeyJWTSecret:         "HMAC secret used to sign access tokens",
	KeyJWTIssuer:         "access token issuer",
	KeyTokenTTL:          "access token lifetime",
	KeyCacheTTL:          "revenue cache entry lifetime",
	KeyCacheSize:         "revenue cache capacity",
	KeyFallbackPath:      "JSON file with fallback revenue figures",
	KeyFallbackDisabled:  "never serve fallback revenue",
	KeyLogFormat:         "log encoding: json|console",
	KeyLogLevel:          "log level",
	KeyTraceFile:         "JSON lines trace output for service operations",
	KeyReportWorkerQueue: "report export queue size",
	KeyMetricsBackend:    "service metrics backend: prometheus|expvar",
	KeyQueryTimeout:      "bound on one shared revenue query before fallback",
	KeyServerURL:         "propledger API base URL",
	KeySessionFile:       "saved session file",
	KeyRestoreTimeout:    "timeout for restoring a saved session",
}

// New returns a viper instance reading PROPLEDGER_* variables, seeded with defaults.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// BindFlags registers the named keys as flags on fs and binds them to v.
// Passing no keys binds every known key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys ...string) error {
	if len(keys) == 0 {
		for key := range defaults {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		dflt, ok := defaults[key]
		if !ok {
			return fmt.Errorf("config: unknown key %q", key)
		}
		if fs.Lookup(key) == nil {
			switch d := dflt.(type) {
			case string:
				fs.String(key, d, descriptions[key])
			case bool:
				fs.Bool(key, d, descriptions[key])
			case int:
				fs.Int(key, d, descriptions[key])
			case time.Duration:
				fs.Duration(key, d, descriptions[key])
			default:
				return fmt.Errorf("config: unsupported flag type %T for %q", dflt, key)
			}
		}
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	return nil
}

// Load resolves a Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Storage: Storage{
			Driver:       strings.ToLower(v.GetString(KeyStorageDriver)),
			SQLitePath:   v.GetString(KeySQLitePath),
			PostgresDSN:  v.GetString(KeyPostgresDSN),
			QueryTimeout: v.GetDuration(KeyQueryTimeout),
		},
		Blob: Blob{
			Driver: strings.ToLower(v.GetString(KeyBlobDriver)),
			FSRoot: v.GetString(KeyBlobFSRoot),
			S3: S3{
				Bucket:          v.GetString(KeyBlobS3Bucket),
				Region:          v.GetString(KeyBlobS3Region),
				Endpoint:        v.GetString(KeyBlobS3Endpoint),
				PathStyle:       v.GetBool(KeyBlobS3PathStyle),
				AccessKeyID:     v.GetString(KeyBlobS3AccessKey),
				SecretAccessKey: v.GetString(KeyBlobS3SecretKey),
			},
		},
		HTTP: HTTP{
			Addr:            v.GetString(KeyHTTPAddr),
			ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		},
		Auth: Auth{
			JWTSecret: v.GetString(KeyJWTSecret),
			Issuer:    v.GetString(KeyJWTIssuer),
			TokenTTL:  v.GetDuration(KeyTokenTTL),
		},
		Cache: Cache{
			TTL:  v.GetDuration(KeyCacheTTL),
			Size: v.GetInt(KeyCacheSize),
		},
		Fallback: Fallback{
			Path:     v.GetString(KeyFallbackPath),
			Disabled: v.GetBool(KeyFallbackDisabled),
		},
		Log: Log{
			Format:    strings.ToLower(v.GetString(KeyLogFormat)),
			Level:     strings.ToLower(v.GetString(KeyLogLevel)),
			TraceFile: v.GetString(KeyTraceFile),
			Metrics:   strings.ToLower(v.GetString(KeyMetricsBackend)),
		},
		ReportQueueSize: v.GetInt(KeyReportWorkerQueue),
		Client: Client{
			ServerURL:      v.GetString(KeyServerURL),
			SessionFile:    v.GetString(KeySessionFile),
			RestoreTimeout: v.GetDuration(KeyRestoreTimeout),
		},
	}
	return cfg, cfg.Validate()
}

// FromEnv resolves a Config from the environment and defaults only.
func FromEnv() (Config, error) { return Load(New()) }

// Default returns the configuration with no overrides applied.
func Default() Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	cfg, _ := Load(v)
	return cfg
}

// Validate checks the fields that have a closed set of values.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres-dsn required when storage-driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob-s3-bucket required when blob-driver=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("jwt-secret must be at least %d bytes", MinSecretLength))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token-ttl must be positive"))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, errors.New("cache-size must not be negative"))
	}
	if c.Storage.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query-timeout must be positive"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache-ttl must not be negative"))
	}
	if c.Client.RestoreTimeout < 0 {
		errs = append(errs, errors.New("restore-timeout must not be negative"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Log.Metrics != "prometheus" && c.Log.Metrics != "expvar" {
		errs = append(errs, fmt.Errorf("unknown metrics backend %q", c.Log.Metrics))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RequireSecret reports an error when no signing secret is configured.
func (a Auth) RequireSecret() error {
	if a.JWTSecret == "" {
		return fmt.Errorf("config: %s_%s is required", EnvPrefix, envName(KeyJWTSecret))
	}
	return nil
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}
