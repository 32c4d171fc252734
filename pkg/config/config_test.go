package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

type validatedConfig struct {
	Port int `yaml:"port"`
}

func (c *validatedConfig) Validate() error {
	if c.Port < 1 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "name: beachcomb\ntoken: abc\n")
	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "beachcomb" || cfg.Token != "abc" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-env")
	path := writeConfig(t, "name: x\ntoken: ${TEST_TOKEN}\n")
	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Errorf("token = %q, want from-env", cfg.Token)
	}
}

func TestLoadMissingFileWrapsNotExist(t *testing.T) {
	var cfg testConfig
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	path := writeConfig(t, "port: 0\n")
	var cfg validatedConfig
	err := Load(path, &cfg)
	if err == nil {
		t.Fatal("invalid config should fail validation")
	}
}
