package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"gopkg.in/yaml.v3"

	"novelsync/internal/theme"
)

// Config represents the persisted application configuration.
type Config struct {
	DataDir              string   `yaml:"data_dir"`
	FetchConcurrency     int      `yaml:"fetch_concurrency"`
	CheckBatchSize       int      `yaml:"check_batch_size"`
	RetryCount           int      `yaml:"retry_count"`
	RetryBaseMillis      int      `yaml:"retry_base_millis"`
	RequestTimeoutSec    int      `yaml:"request_timeout_seconds"`
	RequestDelayMillis   int      `yaml:"request_delay_millis"`
	InfoEndpoint         string   `yaml:"info_endpoint"`
	RestrictedInfoURL    string   `yaml:"restricted_info_endpoint"`
	ContentHost          string   `yaml:"content_host"`
	RestrictedContentURL string   `yaml:"restricted_content_host"`
	UserAgents           []string `yaml:"user_agents,omitempty"`
	Proxy                string   `yaml:"proxy,omitempty"`
	TLSVerify            bool     `yaml:"tls_verify"`
	ColorTheme           string   `yaml:"color_theme"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:              filepath.Join(home, ".novelsync"),
		FetchConcurrency:     3,
		CheckBatchSize:       5,
		RetryCount:           3,
		RetryBaseMillis:      1000,
		RequestTimeoutSec:    20,
		RequestDelayMillis:   100,
		InfoEndpoint:         "https://api.syosetu.com/novelapi/api/",
		RestrictedInfoURL:    "https://api.syosetu.com/novel18api/api/",
		ContentHost:          "https://ncode.syosetu.com",
		RestrictedContentURL: "https://novel18.syosetu.com",
		TLSVerify:            true,
		ColorTheme:           theme.Default,
	}
}

// DatabasePath is where the on-device content store lives.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "novels.db")
}

// Ensure loads configuration from the provided path, prompting the user to
// create one if it does not yet exist.
func Ensure(ctx context.Context, path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if err := bootstrap(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads configuration from disk and fills in anything left unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return normalize(cfg), nil
}

func normalize(cfg Config) Config {
	def := Defaults()
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = def.FetchConcurrency
	}
	if cfg.CheckBatchSize <= 0 {
		cfg.CheckBatchSize = def.CheckBatchSize
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.RetryBaseMillis <= 0 {
		cfg.RetryBaseMillis = def.RetryBaseMillis
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = def.RequestTimeoutSec
	}
	if cfg.RequestDelayMillis < 0 {
		cfg.RequestDelayMillis = def.RequestDelayMillis
	}
	if strings.TrimSpace(cfg.InfoEndpoint) == "" {
		cfg.InfoEndpoint = def.InfoEndpoint
	}
	if strings.TrimSpace(cfg.RestrictedInfoURL) == "" {
		cfg.RestrictedInfoURL = def.RestrictedInfoURL
	}
	if strings.TrimSpace(cfg.ContentHost) == "" {
		cfg.ContentHost = def.ContentHost
	}
	if strings.TrimSpace(cfg.RestrictedContentURL) == "" {
		cfg.RestrictedContentURL = def.RestrictedContentURL
	}
	if strings.TrimSpace(cfg.ColorTheme) == "" {
		cfg.ColorTheme = theme.Default
	}
	return cfg
}

// Save writes configuration back to disk, ensuring directory permissions are restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func bootstrap(ctx context.Context, cfg *Config) error {
	if fromEnv := strings.TrimSpace(os.Getenv("NOVELSYNC_DATA_DIR")); fromEnv != "" {
		resolved, err := expandPath(fromEnv)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(resolved, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		cfg.DataDir = resolved
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	prompt := &survey.Input{
		Message: "Where should the novel library be stored?",
		Default: cfg.DataDir,
	}

	var answer string
	if err := survey.AskOne(prompt, &answer, survey.WithValidator(survey.Required)); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return fmt.Errorf("initialisation interrupted")
		}
		return err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	resolved, err := expandPath(answer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(resolved, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	cfg.DataDir = resolved
	return nil
}

// EditInteractive opens an interactive survey session allowing the user to
// update the tunable fetch settings.
func EditInteractive(ctx context.Context, cfg Config) (Config, error) {
	questions := []*survey.Question{
		{
			Name: "fetch_concurrency",
			Prompt: &survey.Input{
				Message: "Simultaneous upstream connections",
				Default: fmt.Sprintf("%d", cfg.FetchConcurrency),
			},
			Validate: validatePositiveInt,
		},
		{
			Name: "check_batch_size",
			Prompt: &survey.Input{
				Message: "Series checked per update batch",
				Default: fmt.Sprintf("%d", cfg.CheckBatchSize),
			},
			Validate: validatePositiveInt,
		},
		{
			Name: "retry_count",
			Prompt: &survey.Input{
				Message: "Attempts per page",
				Default: fmt.Sprintf("%d", cfg.RetryCount),
			},
			Validate: validatePositiveInt,
		},
		{
			Name: "request_delay_millis",
			Prompt: &survey.Input{
				Message: "Delay between episode fetches (ms)",
				Default: fmt.Sprintf("%d", cfg.RequestDelayMillis),
			},
			Validate: validateNonNegativeInt,
		},
		{
			Name: "proxy",
			Prompt: &survey.Input{
				Message: "HTTP proxy (optional)",
				Default: cfg.Proxy,
			},
		},
		{
			Name: "tls_verify",
			Prompt: &survey.Confirm{
				Message: "Verify TLS certificates",
				Default: cfg.TLSVerify,
			},
		},
		{
			Name: "color_theme",
			Prompt: &survey.Select{
				Message: "Color theme",
				Options: theme.Names(),
				Default: cfg.ColorTheme,
			},
		},
	}

	answers := map[string]interface{}{}
	select {
	case <-ctx.Done():
		return Config{}, ctx.Err()
	default:
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return Config{}, err
	}

	cfg.FetchConcurrency = toInt(answers["fetch_concurrency"])
	cfg.CheckBatchSize = toInt(answers["check_batch_size"])
	cfg.RetryCount = toInt(answers["retry_count"])
	cfg.RequestDelayMillis = toInt(answers["request_delay_millis"])
	cfg.Proxy = strings.TrimSpace(answers["proxy"].(string))
	cfg.TLSVerify = answers["tls_verify"].(bool)
	if choice, ok := answers["color_theme"].(survey.OptionAnswer); ok {
		cfg.ColorTheme = choice.Value
	} else if name, ok := answers["color_theme"].(string); ok {
		cfg.ColorTheme = name
	}

	return normalize(cfg), nil
}

func validatePositiveInt(ans interface{}) error {
	i, err := parseAnswer(ans)
	if err != nil {
		return err
	}
	if i <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

func validateNonNegativeInt(ans interface{}) error {
	i, err := parseAnswer(ans)
	if err != nil {
		return err
	}
	if i < 0 {
		return errors.New("must be zero or positive")
	}
	return nil
}

func parseAnswer(ans interface{}) (int, error) {
	v := strings.TrimSpace(fmt.Sprint(ans))
	if v == "" {
		return 0, errors.New("value required")
	}
	return parseInt(v)
}

func parseInt(value string) (int, error) {
	var i int
	_, err := fmt.Sscanf(value, "%d", &i)
	if err != nil {
		return 0, errors.New("must be a number")
	}
	return i, nil
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		i, _ := parseInt(v)
		return i
	default:
		return 0
	}
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
