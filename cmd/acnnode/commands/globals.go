package commands

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/moltbunker/acn/internal/config"
)

// Global CLI flags
var (
	// ConfigPath is the YAML config file, DefaultConfigPath when empty
	ConfigPath string

	// EnvFile is an optional .env file applied before the environment
	EnvFile string
)

// loadConfig reads the config file and overlays the env file and the
// process environment. The result is not validated.
func loadConfig() (*config.Config, error) {
	if EnvFile != "" {
		if err := config.LoadEnvFile(EnvFile); err != nil {
			return nil, err
		}
	}
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

func GetGoVersion() string {
	return runtime.Version()
}
