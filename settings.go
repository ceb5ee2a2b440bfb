package srt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// SettingsEnv names the environment variable that points at a settings file.
const SettingsEnv = "SRT_SETTINGS"

// settingsFileName is the well-known settings file in the user's home.
const settingsFileName = ".srt-settings.json"

// userHomeDirFn is overridden in tests.
var userHomeDirFn = os.UserHomeDir

// DefaultSettingsPath returns ~/.srt-settings.json, or a path relative to the
// working directory when the home directory cannot be determined.
func DefaultSettingsPath() string {
	home, err := userHomeDirFn()
	if err != nil || home == "" {
		return settingsFileName
	}
	return filepath.Join(home, settingsFileName)
}

// ParseSettings decodes a settings document. JSON may contain comments and
// trailing commas. When yamlDoc is true the document is decoded as YAML
// using the same camelCase keys.
func ParseSettings(data []byte, yamlDoc bool) (*Config, error) {
	if yamlDoc {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("%w: parsing yaml settings: %w", ErrConfigInvalid, err)
		}
		if tree == nil {
			return DefaultConfig(), nil
		}
		converted, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("%w: converting yaml settings: %w", ErrConfigInvalid, err)
		}
		data = converted
	} else {
		data = jsonc.ToJSON(data)
	}

	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing settings: %w", ErrConfigInvalid, err)
	}
	return cfg, nil
}

// LoadSettings reads and parses the settings file at path. Files ending in
// .yaml or .yml are decoded as YAML.
func LoadSettings(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	cfg, err := ParseSettings(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DiscoverSettings resolves the settings for one invocation. An explicit path
// wins, then $SRT_SETTINGS, then ~/.srt-settings.json if it exists. With
// none of those, DefaultConfig is returned. The second result is the file
// that was loaded, or "" for the defaults.
func DiscoverSettings(explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := LoadSettings(explicit)
		return cfg, explicit, err
	}
	if p := os.Getenv(SettingsEnv); p != "" {
		cfg, err := LoadSettings(p)
		return cfg, p, err
	}
	p := DefaultSettingsPath()
	cfg, err := LoadSettings(p)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), "", nil
	}
	return cfg, p, err
}

// SaveSettings writes cfg to path as indented JSON, replacing the file
// atomically.
func SaveSettings(path string, cfg *Config) error {
	if cfg == nil {
		return errNilConfig
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".srt-settings-*")
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
