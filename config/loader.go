package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// osUserHomeDir is indirected so tests can stub it, matching the
// source loader's config_test.go pattern.
var osUserHomeDir = os.UserHomeDir

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := osUserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

func getConfigPath(filename string) (string, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, "Dexter", "config", filename), nil
}

// LoadVoiceConfig reads voice.json from the config directory, merging
// it onto Defaults() so a partial or missing file still yields a
// usable config. A missing file is not an error; a malformed file is.
func LoadVoiceConfig() (VoiceConfig, error) {
	cfg := Defaults()

	path, err := getConfigPath("voice.json")
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	resolved, err := expandPath(cfg.TTS.Cache.DBPath)
	if err != nil {
		return cfg, err
	}
	cfg.TTS.Cache.DBPath = resolved

	return cfg, nil
}
