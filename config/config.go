// Package config loads and validates server config from the environment, an
// optional .env file and command-line flags using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreDynamo = "dynamo"
	StoreSQLite = "sqlite"

	BlobS3 = "s3"
	BlobFS = "fs"
)

type Config struct {
	HostPort string `mapstructure:"HOST_PORT"`
	DevMode  bool   `mapstructure:"DEV_MODE"`
	// AllowedOrigin is the only Origin accepted on websocket upgrades.
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
	// JWTSecretBase64 is the HMAC secret, base64 encoded. Decoded into JWTSecret.
	JWTSecretBase64 string `mapstructure:"JWT_SECRET"`
	JWTSecret       []byte `mapstructure:"-"`

	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	DynamoDBEndpoint string `mapstructure:"DYNAMODB_ENDPOINT"`
	DynamoDBTable    string `mapstructure:"DYNAMODB_TABLE"`
	SQLitePath       string `mapstructure:"SQLITE_PATH"`

	BlobBackend string `mapstructure:"BLOB_BACKEND"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	BlobDir     string `mapstructure:"BLOB_DIR"`

	// RedisEndpoint empty means a single node with in-process fanout.
	RedisEndpoint string `mapstructure:"REDIS_ENDPOINT"`

	SQSEndpoint string `mapstructure:"SQS_ENDPOINT"`
	// CompactionQueue empty disables queued compaction retries and purges.
	CompactionQueue string `mapstructure:"SQS_COMPACTION_QUEUE"`

	CompactionTimeoutRaw string        `mapstructure:"COMPACTION_TIMEOUT"`
	CompactionTimeout    time.Duration `mapstructure:"-"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("inkroom", pflag.ContinueOnError)
	fs.String("port", "", "port to listen on")
	fs.Bool("dev", false, "run against local emulators without TLS")
	fs.String("store", "", "board store backend (dynamo|sqlite)")
	fs.String("blob", "", "snapshot blob backend (s3|fs)")
	fs.String("origin", "", "allowed websocket origin")
	return fs
}

var flagKeys = map[string]string{
	"port":   "HOST_PORT",
	"dev":    "DEV_MODE",
	"store":  "STORE_BACKEND",
	"blob":   "BLOB_BACKEND",
	"origin": "ALLOWED_ORIGIN",
}

// Load reads .env (if present), the environment and args, in increasing
// priority, and validates the result. Missing .env is ignored.
func Load(args []string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("HOST_PORT", "8080")
	v.SetDefault("DEV_MODE", false)
	v.SetDefault("ALLOWED_ORIGIN", "http://localhost:5173")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("STORE_BACKEND", StoreDynamo)
	v.SetDefault("DYNAMODB_ENDPOINT", "")
	v.SetDefault("DYNAMODB_TABLE", "Inkroom")
	v.SetDefault("SQLITE_PATH", "inkroom.db")
	v.SetDefault("BLOB_BACKEND", BlobS3)
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_BUCKET", "inkroom-snapshots")
	v.SetDefault("BLOB_DIR", "snapshots")
	v.SetDefault("REDIS_ENDPOINT", "")
	v.SetDefault("SQS_ENDPOINT", "")
	v.SetDefault("SQS_COMPACTION_QUEUE", "")
	v.SetDefault("COMPACTION_TIMEOUT", "2m")

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HostPort == "" {
		return nil, errors.New("config: HOST_PORT must be set")
	}
	if cfg.AllowedOrigin == "" {
		return nil, errors.New("config: ALLOWED_ORIGIN must be set")
	}

	secret, err := base64.StdEncoding.DecodeString(cfg.JWTSecretBase64)
	if err != nil {
		return nil, fmt.Errorf("config: JWT_SECRET is not valid base64: %w", err)
	}
	if len(secret) < 32 {
		return nil, errors.New("config: JWT_SECRET must decode to at least 32 bytes")
	}
	cfg.JWTSecret = secret

	switch cfg.StoreBackend {
	case StoreDynamo:
		if cfg.DynamoDBTable == "" {
			return nil, errors.New("config: DYNAMODB_TABLE must be set for the dynamo store")
		}
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("config: SQLITE_PATH must be set for the sqlite store")
		}
	default:
		return nil, fmt.Errorf("config: unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.BlobBackend {
	case BlobS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("config: S3_BUCKET must be set for the s3 blob backend")
		}
	case BlobFS:
		if cfg.BlobDir == "" {
			return nil, errors.New("config: BLOB_DIR must be set for the fs blob backend")
		}
	default:
		return nil, fmt.Errorf("config: unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}

	timeout, err := time.ParseDuration(cfg.CompactionTimeoutRaw)
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("config: COMPACTION_TIMEOUT must be a positive duration, got %q", cfg.CompactionTimeoutRaw)
	}
	cfg.CompactionTimeout = timeout

	return &cfg, nil
}
