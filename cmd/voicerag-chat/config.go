package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	defaultBackendURL  = "http://127.0.0.1:8000"
	defaultTimeout     = 30 * time.Second
	defaultMinBufferMs = 50
)

// chatConfig is the resolved CLI configuration. Precedence: flags > env >
// config file > defaults.
type chatConfig struct {
	BackendURL  string        `yaml:"backend_url"`
	Room        string        `yaml:"room"`
	Name        string        `yaml:"name"`
	Timeout     time.Duration `yaml:"timeout"`
	MinBufferMs int           `yaml:"min_buffer_ms"`
	DedupWindow int           `yaml:"dedup_window"`
	Verbose     bool          `yaml:"verbose"`

	// UploadPath is an optional document to ingest before joining.
	UploadPath string `yaml:"-"`
}

func defaultConfig() chatConfig {
	return chatConfig{
		BackendURL:  defaultBackendURL,
		Timeout:     defaultTimeout,
		MinBufferMs: defaultMinBufferMs,
	}
}

// loadConfigFile reads a YAML config file. A missing file is only an error
// when the path was explicitly requested.
func loadConfigFile(path string, explicit bool) (chatConfig, error) {
	var cfg chatConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, nil
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var flagCfg chatConfig
	var configPath string
	fs := flag.NewFlagSet("voicerag-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configPath, "config", "", "optional YAML config file (default voicerag.yaml if present)")
	fs.StringVar(&flagCfg.BackendURL, "backend-url", "", "token/ingest backend base URL (or VOICERAG_BACKEND_URL)")
	fs.StringVar(&flagCfg.Room, "room", "", "room name (generated when empty)")
	fs.StringVar(&flagCfg.Name, "name", "", "participant name (generated when empty)")
	fs.DurationVar(&flagCfg.Timeout, "timeout", 0, "backend request timeout (e.g. 30s)")
	fs.IntVar(&flagCfg.MinBufferMs, "min-buffer-ms", 0, "playback pre-buffer in milliseconds")
	fs.IntVar(&flagCfg.DedupWindow, "dedup-window", 0, "transcript dedup window (0 = full history)")
	fs.BoolVar(&flagCfg.Verbose, "verbose", false, "enable debug logging")
	fs.StringVar(&flagCfg.UploadPath, "upload", "", "document to ingest before joining")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}

	explicit := configPath != ""
	if !explicit {
		configPath = "voicerag.yaml"
	}
	fileCfg, err := loadConfigFile(configPath, explicit)
	if err != nil {
		return chatConfig{}, err
	}

	envCfg, err := configFromEnv(getenv)
	if err != nil {
		return chatConfig{}, err
	}

	// Layer the sources: each merge fills only fields still unset.
	cfg := flagCfg
	for _, layer := range []chatConfig{envCfg, fileCfg, defaultConfig()} {
		if err := mergo.Merge(&cfg, layer); err != nil {
			return chatConfig{}, fmt.Errorf("merge config: %w", err)
		}
	}

	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func configFromEnv(getenv func(string) string) (chatConfig, error) {
	cfg := chatConfig{
		BackendURL: strings.TrimSpace(getenv("VOICERAG_BACKEND_URL")),
		Room:       strings.TrimSpace(getenv("VOICERAG_ROOM")),
		Name:       strings.TrimSpace(getenv("VOICERAG_NAME")),
	}
	if raw := strings.TrimSpace(getenv("VOICERAG_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return chatConfig{}, fmt.Errorf("invalid VOICERAG_TIMEOUT %q: %w", raw, err)
		}
		cfg.Timeout = d
	}
	if raw := strings.TrimSpace(getenv("VOICERAG_DEDUP_WINDOW")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return chatConfig{}, fmt.Errorf("invalid VOICERAG_DEDUP_WINDOW %q: %w", raw, err)
		}
		cfg.DedupWindow = n
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	backendURL := strings.TrimSpace(cfg.BackendURL)
	if backendURL == "" {
		return errors.New("backend-url must not be empty")
	}
	parsed, err := url.Parse(backendURL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return errors.New("backend-url must be a valid absolute URL")
	}
	if parsed.User != nil {
		return errors.New("backend-url must not include credentials")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if cfg.DedupWindow < 0 {
		return errors.New("dedup-window must be >= 0")
	}
	return nil
}
