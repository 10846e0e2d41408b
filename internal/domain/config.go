// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config represents the application configuration
type Config struct {
	Version               string
	Host                  string `toml:"host" mapstructure:"host"`
	Port                  int    `toml:"port" mapstructure:"port"`
	BaseURL               string `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret         string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	LogLevel              string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath               string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize            int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups         int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir               string `toml:"dataDir" mapstructure:"dataDir"`
	PprofEnabled          bool   `toml:"pprofEnabled" mapstructure:"pprofEnabled"`
	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// Sync intervals are milliseconds, the idle timeout is seconds.
	RefreshInterval      int  `toml:"refreshInterval" mapstructure:"refreshInterval"`
	PeerRefreshInterval  int  `toml:"peerRefreshInterval" mapstructure:"peerRefreshInterval"`
	FilesRefreshInterval int  `toml:"filesRefreshInterval" mapstructure:"filesRefreshInterval"`
	StreamIdleTimeout    int  `toml:"streamIdleTimeout" mapstructure:"streamIdleTimeout"`
	SubcategoriesEnabled bool `toml:"subcategoriesEnabled" mapstructure:"subcategoriesEnabled"`

	HTTPTimeouts HTTPTimeouts   `toml:"httpTimeouts" mapstructure:"httpTimeouts"`
	Instances    []InstanceSeed `toml:"instances" mapstructure:"instances"`
}

// HTTPTimeouts represents HTTP server timeout configuration
type HTTPTimeouts struct {
	ReadTimeout  int `toml:"readTimeout" mapstructure:"readTimeout"`   // seconds
	WriteTimeout int `toml:"writeTimeout" mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int `toml:"idleTimeout" mapstructure:"idleTimeout"`   // seconds
}

// InstanceSeed is a qBittorrent instance declared in the config file. Seeds
// are upserted by name at startup.
type InstanceSeed struct {
	Name          string `toml:"name" mapstructure:"name"`
	Host          string `toml:"host" mapstructure:"host"`
	Username      string `toml:"username" mapstructure:"username"`
	Password      string `toml:"password" mapstructure:"password"`
	BasicUsername string `toml:"basicUsername" mapstructure:"basicUsername"`
	BasicPassword string `toml:"basicPassword" mapstructure:"basicPassword"`
	TLSSkipVerify bool   `toml:"tlsSkipVerify" mapstructure:"tlsSkipVerify"`
}
