package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kleros/lifi-sdk/internal/api"
)

type GlobalFlags struct {
	ConfigPath        string
	APIBaseURL        string
	PollInterval      string
	SettlementTimeout string
	InfiniteApproval  bool
	Timeout           string
	Retries           int
}

type Settings struct {
	APIBaseURL        string
	RPCURLs           map[int64]string
	StorePath         string
	StoreLockPath     string
	PollInterval      time.Duration
	SettlementTimeout time.Duration
	InfiniteApproval  bool
	HTTPTimeout       time.Duration
	HTTPRetries       int
}

type fileConfig struct {
	APIBaseURL        string           `yaml:"api_base_url"`
	RPCURLs           map[int64]string `yaml:"rpc_urls"`
	PollInterval      string           `yaml:"poll_interval"`
	SettlementTimeout string           `yaml:"settlement_timeout"`
	InfiniteApproval  *bool            `yaml:"infinite_approval"`
	HTTP              struct {
		Timeout string `yaml:"timeout"`
		Retries *int   `yaml:"retries"`
	} `yaml:"http"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
}

// Resolve merges defaults, the optional YAML config file, and flags, in that
// order of increasing precedence.
func Resolve(flags GlobalFlags) (Settings, error) {
	settings := Settings{
		APIBaseURL:   api.DefaultBaseURL,
		RPCURLs:      map[int64]string{},
		PollInterval: 5 * time.Second,
		HTTPTimeout:  30 * time.Second,
		HTTPRetries:  2,
	}
	if dir, err := os.UserConfigDir(); err == nil {
		settings.StorePath = filepath.Join(dir, "lifi", "executions.db")
		settings.StoreLockPath = filepath.Join(dir, "lifi", "executions.lock")
	} else {
		settings.StorePath = "executions.db"
		settings.StoreLockPath = "executions.lock"
	}

	path := strings.TrimSpace(flags.ConfigPath)
	explicit := path != ""
	if !explicit {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "lifi", "config.yaml")
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Settings{}, fmt.Errorf("read config file: %w", err)
			}
		} else {
			var file fileConfig
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return Settings{}, fmt.Errorf("parse config file: %w", err)
			}
			applyFile(&settings, file)
		}
	}

	if err := applyFlags(&settings, flags); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func applyFile(settings *Settings, file fileConfig) {
	if strings.TrimSpace(file.APIBaseURL) != "" {
		settings.APIBaseURL = strings.TrimSpace(file.APIBaseURL)
	}
	for chainID, rpcURL := range file.RPCURLs {
		if strings.TrimSpace(rpcURL) != "" {
			settings.RPCURLs[chainID] = strings.TrimSpace(rpcURL)
		}
	}
	if d, ok := parseDuration(file.PollInterval); ok {
		settings.PollInterval = d
	}
	if d, ok := parseDuration(file.SettlementTimeout); ok {
		settings.SettlementTimeout = d
	}
	if file.InfiniteApproval != nil {
		settings.InfiniteApproval = *file.InfiniteApproval
	}
	if d, ok := parseDuration(file.HTTP.Timeout); ok {
		settings.HTTPTimeout = d
	}
	if file.HTTP.Retries != nil && *file.HTTP.Retries >= 0 {
		settings.HTTPRetries = *file.HTTP.Retries
	}
	if strings.TrimSpace(file.Store.Path) != "" {
		settings.StorePath = strings.TrimSpace(file.Store.Path)
	}
	if strings.TrimSpace(file.Store.LockPath) != "" {
		settings.StoreLockPath = strings.TrimSpace(file.Store.LockPath)
	}
}

func applyFlags(settings *Settings, flags GlobalFlags) error {
	if strings.TrimSpace(flags.APIBaseURL) != "" {
		settings.APIBaseURL = strings.TrimSpace(flags.APIBaseURL)
	}
	if strings.TrimSpace(flags.PollInterval) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(flags.PollInterval))
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid --poll-interval %q", flags.PollInterval)
		}
		settings.PollInterval = d
	}
	if strings.TrimSpace(flags.SettlementTimeout) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(flags.SettlementTimeout))
		if err != nil || d < 0 {
			return fmt.Errorf("invalid --settlement-timeout %q", flags.SettlementTimeout)
		}
		settings.SettlementTimeout = d
	}
	if strings.TrimSpace(flags.Timeout) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(flags.Timeout))
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid --timeout %q", flags.Timeout)
		}
		settings.HTTPTimeout = d
	}
	if flags.Retries > 0 {
		settings.HTTPRetries = flags.Retries
	}
	if flags.InfiniteApproval {
		settings.InfiniteApproval = true
	}
	return nil
}

func parseDuration(v string) (time.Duration, bool) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return 0, false
	}
	d, err := time.ParseDuration(clean)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
