// Package config loads fly settings from defaults, an optional YAML file,
// FLY_* environment variables and command line flags, in increasing order
// of precedence.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names, FLY_LOG_LEVEL etc.
const EnvPrefix = "FLY"

// Config holds the settings of both the front-end and the worker.
type Config struct {
	// Listen is the front-end HTTP address.
	Listen string `mapstructure:"listen" validate:"required"`

	// BasePath is the absolute directory delegated files are served from.
	BasePath string `mapstructure:"base_path" validate:"required"`

	// Extensions restricts delegation to these file extensions, if set.
	Extensions []string `mapstructure:"extensions"`

	// Match and NotMatch are regular expressions on the URL path.
	Match    []string `mapstructure:"match"`
	NotMatch []string `mapstructure:"not_match"`

	// Existence selects how file existence is checked before delegating:
	// "none" delegates blindly, "stat" stats per request, "static" scans
	// BasePath once at startup.
	Existence string `mapstructure:"existence" validate:"required,oneof=none stat static"`

	// HeaderPolicy is "headers-first" or "stat-first".
	HeaderPolicy string `mapstructure:"header_policy" validate:"required,oneof=headers-first stat-first"`

	// EndOnComplete half-closes a connection after the last body byte.
	EndOnComplete bool `mapstructure:"end_on_complete"`

	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	LingerTimeout time.Duration `mapstructure:"linger_timeout" validate:"gte=0"`

	// OrphanTTL evicts unmatched halves after this long. Zero keeps them forever.
	OrphanTTL     time.Duration `mapstructure:"orphan_ttl" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`

	// RejectDuplicateIDs keeps the first half instead of the last on id collisions.
	RejectDuplicateIDs bool `mapstructure:"reject_duplicate_ids"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// MetricsConfig configures the Prometheus endpoints. Empty addresses
// disable them.
type MetricsConfig struct {
	Listen       string `mapstructure:"listen"`
	WorkerListen string `mapstructure:"worker_listen"`
}

// flagKeys maps flag names whose config key is not the flag name with
// dashes turned into underscores.
var flagKeys = map[string]string{
	"log-level":             "log.level",
	"log-format":            "log.format",
	"metrics-listen":        "metrics.listen",
	"worker-metrics-listen": "metrics.worker_listen",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:4005")
	v.SetDefault("base_path", "")
	v.SetDefault("extensions", []string{})
	v.SetDefault("match", []string{})
	v.SetDefault("not_match", []string{})
	v.SetDefault("existence", "none")
	v.SetDefault("header_policy", "headers-first")
	v.SetDefault("end_on_complete", true)
	v.SetDefault("write_timeout", time.Duration(0))
	v.SetDefault("linger_timeout", time.Duration(0))
	v.SetDefault("orphan_ttl", time.Duration(0))
	v.SetDefault("sweep_interval", time.Second)
	v.SetDefault("reject_duplicate_ids", false)
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.worker_listen", "")
}

// Load builds a Config. configPath may be empty. Flags that were set on
// the command line override every other source.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configPath)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, errors.WithStack(bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the things tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	if !filepath.IsAbs(cfg.BasePath) {
		return errors.Errorf("base_path %q must be absolute", cfg.BasePath)
	}
	if _, _, err := cfg.Matchers(); err != nil {
		return err
	}
	return nil
}

// Matchers compiles Match and NotMatch.
func (cfg *Config) Matchers() (match, notMatch []*regexp.Regexp, err error) {
	compile := func(exprs []string) ([]*regexp.Regexp, error) {
		var res []*regexp.Regexp
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, errors.Wrapf(err, "pattern %q", expr)
			}
			res = append(res, re)
		}
		return res, nil
	}
	if match, err = compile(cfg.Match); err == nil {
		notMatch, err = compile(cfg.NotMatch)
	}
	return
}

// WorkerArgs renders the settings the worker needs as command line flags
// for the worker subcommand.
func (cfg *Config) WorkerArgs() []string {
	return []string{
		"--base-path=" + cfg.BasePath,
		"--header-policy=" + cfg.HeaderPolicy,
		"--end-on-complete=" + strconv.FormatBool(cfg.EndOnComplete),
		"--write-timeout=" + cfg.WriteTimeout.String(),
		"--linger-timeout=" + cfg.LingerTimeout.String(),
		"--orphan-ttl=" + cfg.OrphanTTL.String(),
		"--sweep-interval=" + cfg.SweepInterval.String(),
		"--reject-duplicate-ids=" + strconv.FormatBool(cfg.RejectDuplicateIDs),
		"--log-level=" + cfg.Log.Level,
		"--log-format=" + cfg.Log.Format,
		"--worker-metrics-listen=" + cfg.Metrics.WorkerListen,
	}
}

// Executable returns the path used to re-run this program as the worker.
func Executable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return exe, nil
}
