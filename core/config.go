package core

import (
	"time"

	"github.com/spf13/viper"
)

// Runtime configuration. Values come from the environment (NEXUS_*)
// with an optional config file layered underneath; everything has a
// working default so the engine runs with no configuration at all.

type Settings struct {
	ListenAddr string
	JwtSecret  string
	LogPath    string

	Hub    *HubSettings
	Log    *LogSettings
	Runner *RunnerSettings
}

func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("jwt_secret", "change_me_in_env")
	v.SetDefault("log_path", "core.db")
	v.SetDefault("default_file", "main.py")
	v.SetDefault("presence_ttl_seconds", 30)
	v.SetDefault("snapshot_interval", 32)
	v.SetDefault("run_timeout_seconds", 8)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	hub := DefaultHubSettings()
	hub.DefaultFileName = v.GetString("default_file")
	hub.PresenceTtl = time.Duration(v.GetInt("presence_ttl_seconds")) * time.Second
	hub.SnapshotInterval = v.GetInt("snapshot_interval")

	log := DefaultLogSettings()
	log.Path = v.GetString("log_path")

	runner := DefaultRunnerSettings()
	runner.DefaultTimeout = time.Duration(v.GetInt("run_timeout_seconds")) * time.Second

	return &Settings{
		ListenAddr: v.GetString("listen_addr"),
		JwtSecret:  v.GetString("jwt_secret"),
		LogPath:    log.Path,
		Hub:        hub,
		Log:        log,
		Runner:     runner,
	}, nil
}
