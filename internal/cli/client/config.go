package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"
	// envConfigFile points the CLI at a config file other than the default.
	envConfigFile = "DOCCHAT_CONFIG"
)

// GlobalConfig is what "docchat auth login" stores between runs.
type GlobalConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key,omitempty"`
}

// Replaced in tests.
var (
	getConfigDirFunc  = defaultGetConfigDir
	getConfigPathFunc = defaultGetConfigPath
)

func defaultGetConfigDir() (string, error) {
	if path := os.Getenv(envConfigFile); path != "" {
		return filepath.Dir(path), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(base, "docchat"), nil
}

func defaultGetConfigPath() (string, error) {
	if path := os.Getenv(envConfigFile); path != "" {
		return path, nil
	}
	dir, err := getConfigDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

func GetConfigDir() (string, error) {
	return getConfigDirFunc()
}

func GetConfigPath() (string, error) {
	return getConfigPathFunc()
}

// LoadGlobalConfig returns nil, nil when no config has been saved.
func LoadGlobalConfig() (*GlobalConfig, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config GlobalConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// SaveGlobalConfig replaces the config file atomically. The file holds the
// API key, so it is only readable by the owner.
func SaveGlobalConfig(config *GlobalConfig) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DeleteGlobalConfig is a no-op when nothing was saved.
func DeleteGlobalConfig() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete config file: %w", err)
	}
	return nil
}

// CredentialSource names where the API URL was resolved from.
type CredentialSource string

const (
	SourceFlag         CredentialSource = "flag"
	SourceEnv          CredentialSource = "env"
	SourceGlobalConfig CredentialSource = "global_config"
	SourceDefault      CredentialSource = "default"
)

// GetCredentialSource resolves the API URL from flag, environment, saved
// config, then the default, in that order. The key is taken from the
// highest-priority place that sets one, independently of the URL.
func GetCredentialSource(flagAPIKey, flagAPIURL string) (CredentialSource, string, string) {
	envKey := os.Getenv(envAPIKey)

	if flagAPIURL != "" {
		return SourceFlag, flagAPIKey, flagAPIURL
	}
	if envURL := os.Getenv(envAPIURL); envURL != "" {
		return SourceEnv, firstNonEmpty(flagAPIKey, envKey), envURL
	}
	if config, err := LoadGlobalConfig(); err == nil && config != nil && config.APIURL != "" {
		return SourceGlobalConfig, firstNonEmpty(flagAPIKey, envKey, config.APIKey), config.APIURL
	}
	return SourceDefault, firstNonEmpty(flagAPIKey, envKey), defaultAPIURL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
