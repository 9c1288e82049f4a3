package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage drivers for the server-side conversation record.
const (
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Server        struct {
		Listen string `json:"listen"`
		URL    string `json:"url"`
		Token  string `json:"token"`
	} `json:"server"`
	Storage struct {
		Driver string `json:"driver"`
	} `json:"storage"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		SummaryModel     string  `json:"summary_model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Compaction struct {
		Threshold  int `json:"threshold"`
		KeepRecent int `json:"keep_recent"`
	} `json:"compaction"`
	Inbox struct {
		Dir string `json:"dir"`
	} `json:"inbox"`
}

// DefaultPath returns ~/.cutroom/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".cutroom", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".cutroom"),
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.Server.Listen = "127.0.0.1:8585"
	cfg.Server.URL = "http://127.0.0.1:8585"
	cfg.Storage.Driver = DriverJSONL
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 4000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Compaction.Threshold = 20
	cfg.Compaction.KeepRecent = 6
	return cfg
}

// Load reads the config at path, writing defaults there first if the file
// does not exist. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if serverURL := os.Getenv("CUTROOM_SERVER_URL"); serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if token := os.Getenv("CUTROOM_SERVER_TOKEN"); token != "" {
		cfg.Server.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late. An empty storage
// driver is set to jsonl.
func (c *Config) Validate() error {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverJSONL
	}
	switch c.Storage.Driver {
	case DriverJSONL, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Compaction.KeepRecent < 0 || c.Compaction.Threshold < 0 {
		return fmt.Errorf("compaction: threshold and keep_recent must not be negative")
	}
	if c.Compaction.Threshold > 0 && c.Compaction.KeepRecent >= c.Compaction.Threshold {
		return fmt.Errorf("compaction.keep_recent (%d) must be below compaction.threshold (%d)", c.Compaction.KeepRecent, c.Compaction.Threshold)
	}
	return nil
}

// InboxDir returns the inbox directory, defaulting to <data_dir>/inbox.
func (c *Config) InboxDir() string {
	if c.Inbox.Dir != "" {
		return c.Inbox.Dir
	}
	return filepath.Join(c.DataDir, "inbox")
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value under its dot-separated key.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under key in the config file at path.
// Secrets are masked when mask is set.
func GetValue(path, key string, mask bool) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	// Keys unknown to Config may still be present in the file.
	if raw, err := readRaw(path); err == nil {
		for k, v := range Flatten(raw) {
			if _, ok := flat[k]; !ok {
				flat[k] = v
			}
		}
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if mask && IsSecretKey(key) {
		v = MaskValue(v)
	}
	return v, nil
}

// SetValue stores value under key in the existing config file at path. The
// value is parsed as JSON when possible so numbers and booleans keep their
// type; anything else is stored as a string. The resulting config must pass
// Validate, so a bad driver or compaction window never reaches the file.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	key = strings.TrimSpace(key)
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	if err := checkKey(key, parsed); err != nil {
		return err
	}

	flat := Flatten(raw)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}
