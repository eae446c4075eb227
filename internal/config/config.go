package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/gomithril/iopruntime/runner"
)

// Config holds runtime settings shared by the CLI commands
type Config struct {
	IOPPath     string
	Program     int
	EntryPoint  int
	Timeout     time.Duration
	JournalPath string
	ONNXRuntime string
	LogLevel    string
}

// Default returns the defaults: first program, first entrypoint, 30s wait
func Default() *Config {
	return &Config{
		Timeout:  runner.DefaultTimeout,
		LogLevel: "info",
	}
}

// Load reads envFile into the environment if it exists, then builds the
// config from the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv overlays environment variables on Default.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	c.IOPPath = getenv("IOP_PATH")
	c.JournalPath = getenv("IOP_JOURNAL")
	c.ONNXRuntime = getenv("ONNX_RUNTIME")
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	var err error
	if c.Program, err = intVar(getenv, "IOP_PROGRAM", c.Program); err != nil {
		return nil, err
	}
	if c.EntryPoint, err = intVar(getenv, "IOP_ENTRYPOINT", c.EntryPoint); err != nil {
		return nil, err
	}
	if v := getenv("IOP_TIMEOUT"); v != "" {
		if c.Timeout, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("IOP_TIMEOUT: %w", err)
		}
		if c.Timeout <= 0 {
			return nil, fmt.Errorf("IOP_TIMEOUT must be positive, got %s", v)
		}
	}
	return c, nil
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", name, n)
	}
	return n, nil
}
