// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the settings of table generation and storage and
// binds them to command line flags.
package config // import "github.com/quickenunwind/quicken/config"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/qutstore"
)

const (
	// EnvVarPrefix prefixes the environment variables overriding flags.
	EnvVarPrefix = "QUTGEN"

	defaultStoreDir        = "qut"
	defaultCleanInterval   = time.Hour
	defaultMaxAge          = 30 * 24 * time.Hour
	defaultMetricsInterval = 10 * time.Second

	minMemoryLimit = 1 << 20
)

// Config is the configuration of table generation and storage.
type Config struct {
	// Arch restricts stored tables to one architecture, "" accepts both.
	Arch string
	// MemoryLimit bounds the memory of one generation in bytes.
	MemoryLimit uint64
	StoreDir    string
	Compress    bool

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	// MaxAttempts bounds the failed generation requests per binary.
	MaxAttempts int
	// CacheSize is the number of tables kept in memory.
	CacheSize uint32

	CleanInterval   time.Duration
	MaxAge          time.Duration
	MetricsInterval time.Duration

	Verbose bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MemoryLimit:     generator.DefaultMemoryLimit,
		StoreDir:        defaultStoreDir,
		Compress:        true,
		S3Prefix:        qutstore.DefaultS3Prefix,
		MaxAttempts:     generator.DefaultMaxAttempts,
		CacheSize:       generator.DefaultCacheSize,
		CleanInterval:   defaultCleanInterval,
		MaxAge:          defaultMaxAge,
		MetricsInterval: defaultMetricsInterval,
	}
}

// Validate checks the configuration for invalid values.
func (cfg *Config) Validate() error {
	if cfg.Arch != "" {
		if _, err := quicken.ParseArch(cfg.Arch); err != nil {
			return err
		}
	}
	if cfg.MemoryLimit != 0 && cfg.MemoryLimit < minMemoryLimit {
		return fmt.Errorf("memory limit must be 0 (unlimited) or at least %d bytes",
			minMemoryLimit)
	}
	if cfg.StoreDir == "" {
		return errors.New("store directory must be set")
	}
	if cfg.S3Bucket == "" && (cfg.S3Endpoint != "" || cfg.S3Region != "") {
		return errors.New("s3 endpoint or region given without a bucket")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("max attempts must be > 0")
	}
	if cfg.CacheSize == 0 {
		return errors.New("cache size must be > 0")
	}
	if cfg.CleanInterval < 0 || cfg.MetricsInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	if cfg.MaxAge < time.Minute {
		return errors.New("max age has to be at least 1 minute (1m)")
	}
	return nil
}

// RegisterFlags binds the configuration to fs. Current values are the
// flag defaults.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&cfg.Arch, "arch", cfg.Arch,
		"Only accept stored tables of this architecture (arm, arm64).")
	fs.DurationVar(&cfg.CleanInterval, "clean-interval", cfg.CleanInterval,
		"Interval of the table store clean up, 0 disables it.")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "Store tables zstd compressed.")
	fs.Uint64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit,
		"Memory ceiling of one table generation in bytes, 0 for unlimited.")
	fs.DurationVar(&cfg.MaxAge, "max-age", cfg.MaxAge,
		"Remove stored tables not used for this long.")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts,
		"Failed generation requests per binary before giving up.")
	fs.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval,
		"Interval of metric reports, 0 disables them.")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Bucket mirroring the table store.")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint,
		"Endpoint of an S3 compatible object store.")
	fs.BoolVar(&cfg.S3PathStyle, "s3-path-style", cfg.S3PathStyle,
		"Use path style bucket addressing.")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "Key prefix of mirrored tables.")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "Region of the bucket.")
	fs.StringVar(&cfg.StoreDir, "store", cfg.StoreDir, "Directory of the table store.")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging.")
}

// Parse parses args into fs, reading QUTGEN_ environment variables and
// the optional plain config file given with -config.
func Parse(fs *flag.FlagSet, args []string) error {
	RegisterConfigFlag(fs)
	return ff.Parse(fs, args, Options()...)
}

// RegisterConfigFlag adds the -config flag to fs unless present.
func RegisterConfigFlag(fs *flag.FlagSet) {
	if fs.Lookup("config") == nil {
		fs.String("config", "", "Plain config file with one flag per line.")
	}
}

// Options are the ff options of Parse, for flag sets parsed by ffcli.
func Options() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(EnvVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	}
}

// ParsedArch returns the configured architecture, zero when unset.
func (cfg *Config) ParsedArch() quicken.Arch {
	arch, _ := quicken.ParseArch(cfg.Arch)
	return arch
}

// OpenStore opens the table store, with its S3 mirror when a bucket is
// configured.
func (cfg *Config) OpenStore(ctx context.Context) (*qutstore.Dir, error) {
	dirCfg := qutstore.DirConfig{
		Path:     cfg.StoreDir,
		Arch:     cfg.ParsedArch(),
		Compress: cfg.Compress,
	}
	if cfg.S3Bucket != "" {
		mirror, err := qutstore.NewS3Mirror(ctx, cfg.S3Config())
		if err != nil {
			return nil, err
		}
		dirCfg.Mirror = mirror
	}
	return qutstore.NewDir(dirCfg)
}

// S3Config returns the mirror settings.
func (cfg *Config) S3Config() qutstore.S3Config {
	return qutstore.S3Config{
		Bucket:    cfg.S3Bucket,
		Prefix:    cfg.S3Prefix,
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		PathStyle: cfg.S3PathStyle,
	}
}

// ManagerConfig returns the table manager settings around store and
// delegate, either of which may be nil.
func (cfg *Config) ManagerConfig(store generator.TableStore,
	delegate generator.Delegate) generator.ManagerConfig {
	return generator.ManagerConfig{
		Generator:   generator.New(cfg.MemoryLimit),
		Store:       store,
		Delegate:    delegate,
		MaxAttempts: cfg.MaxAttempts,
		CacheSize:   cfg.CacheSize,
	}
}
