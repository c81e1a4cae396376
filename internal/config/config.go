// Package config layers settings from defaults, an optional YAML file,
// EUROYIELD_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tekr9d3r/euroyield/internal/id"
)

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	NoCache     bool
	Chain       string
	RPCURL      string
	Verbose     bool
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	Verbose      bool

	Timeout time.Duration
	Retries int

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	// RatesTTL bounds how long analytics pool data is served from cache.
	RatesTTL time.Duration

	JournalPath     string
	JournalLockPath string

	AnalyticsBaseURL string

	// RPCOverrides maps EVM chain id to a node URL, replacing the built-in
	// public endpoints.
	RPCOverrides map[int64]string

	// Transaction pacing.
	AllowancePollInterval time.Duration
	ApprovalTimeout       time.Duration
	SettleDelay           time.Duration
	SuccessDisplayDelay   time.Duration

	PrivateKey string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		RatesTTL string `yaml:"rates_ttl"`
	} `yaml:"cache"`
	Journal struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"journal"`
	Analytics struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"analytics"`
	RPC map[string]string `yaml:"rpc"`
	Tx  struct {
		AllowancePollInterval string `yaml:"allowance_poll_interval"`
		ApprovalTimeout       string `yaml:"approval_timeout"`
		SettleDelay           string `yaml:"settle_delay"`
		SuccessDisplayDelay   string `yaml:"success_display_delay"`
	} `yaml:"tx"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:            "json",
		Timeout:               10 * time.Second,
		Retries:               2,
		CacheEnabled:          true,
		CachePath:             cachePath,
		CacheLockPath:         lockPath,
		RatesTTL:              5 * time.Minute,
		JournalPath:           filepath.Join(cacheDir, "runs.db"),
		JournalLockPath:       filepath.Join(cacheDir, "runs.lock"),
		RPCOverrides:          map[int64]string{},
		AllowancePollInterval: 2 * time.Second,
		ApprovalTimeout:       120 * time.Second,
		SettleDelay:           5 * time.Second,
		SuccessDisplayDelay:   2 * time.Second,
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "euroyield", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "euroyield")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Cache.RatesTTL != "" {
		d, err := time.ParseDuration(cfg.Cache.RatesTTL)
		if err != nil {
			return fmt.Errorf("config cache.rates_ttl: %w", err)
		}
		settings.RatesTTL = d
	}
	if cfg.Journal.Path != "" {
		settings.JournalPath = cfg.Journal.Path
	}
	if cfg.Journal.LockPath != "" {
		settings.JournalLockPath = cfg.Journal.LockPath
	}
	if cfg.Analytics.BaseURL != "" {
		settings.AnalyticsBaseURL = cfg.Analytics.BaseURL
	}
	for slug, url := range cfg.RPC {
		chain, err := id.ParseChain(slug)
		if err != nil {
			return fmt.Errorf("config rpc.%s: %w", slug, err)
		}
		settings.RPCOverrides[chain.EVMChainID] = url
	}
	if err := applyDuration(cfg.Tx.AllowancePollInterval, &settings.AllowancePollInterval, "tx.allowance_poll_interval"); err != nil {
		return err
	}
	if err := applyDuration(cfg.Tx.ApprovalTimeout, &settings.ApprovalTimeout, "tx.approval_timeout"); err != nil {
		return err
	}
	if err := applyDuration(cfg.Tx.SettleDelay, &settings.SettleDelay, "tx.settle_delay"); err != nil {
		return err
	}
	if err := applyDuration(cfg.Tx.SuccessDisplayDelay, &settings.SuccessDisplayDelay, "tx.success_display_delay"); err != nil {
		return err
	}
	return nil
}

func applyDuration(raw string, target *time.Duration, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*target = d
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("EUROYIELD_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("EUROYIELD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("EUROYIELD_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("EUROYIELD_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("EUROYIELD_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("EUROYIELD_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("EUROYIELD_JOURNAL_PATH"); v != "" {
		settings.JournalPath = v
	}
	if v := os.Getenv("EUROYIELD_JOURNAL_LOCK_PATH"); v != "" {
		settings.JournalLockPath = v
	}
	if v := os.Getenv("EUROYIELD_ANALYTICS_URL"); v != "" {
		settings.AnalyticsBaseURL = v
	}
	if v := os.Getenv("EUROYIELD_PRIVATE_KEY"); v != "" {
		settings.PrivateKey = v
	}
	for chainID := range rpcEnvVars {
		if v := os.Getenv(rpcEnvVars[chainID]); v != "" {
			settings.RPCOverrides[chainID] = v
		}
	}
}

var rpcEnvVars = map[int64]string{
	1:     "EUROYIELD_RPC_ETHEREUM",
	100:   "EUROYIELD_RPC_GNOSIS",
	137:   "EUROYIELD_RPC_POLYGON",
	8453:  "EUROYIELD_RPC_BASE",
	43114: "EUROYIELD_RPC_AVALANCHE",
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	settings.Verbose = flags.Verbose

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		chainArg := flags.Chain
		if strings.TrimSpace(chainArg) == "" {
			return fmt.Errorf("--rpc-url requires --chain")
		}
		chain, err := id.ParseChain(chainArg)
		if err != nil {
			return err
		}
		settings.RPCOverrides[chain.EVMChainID] = flags.RPCURL
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	return nil
}
