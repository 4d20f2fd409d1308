// Package config handles all the user-configuration. The fields here are
// all in PascalCase but in your actual config.yml they'll be in camelCase.
// You can print the effective config with `flecsd --print-config`.
package config

import (
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// UserConfig holds all of the user-configurable options
type UserConfig struct {
	// BaseDir is the directory under which all daemon state lives: app
	// records, manifests, instance configs, reverse proxy snippets, exports
	// and backups
	BaseDir string `yaml:"baseDir,omitempty"`

	// Listen is the address the HTTP API binds to
	Listen string `yaml:"listen,omitempty"`

	// Console configures the outbound connection to the FLECS console
	Console ConsoleConfig `yaml:"console,omitempty"`

	// Floxy configures the embedded reverse proxy controller
	Floxy FloxyConfig `yaml:"floxy,omitempty"`

	// Docker configures how we talk to the container engine
	Docker DockerConfig `yaml:"docker,omitempty"`
}

// ConsoleConfig is for the outbound console connection
type ConsoleConfig struct {
	// BaseURL is where license activation, validation and manifest downloads
	// are sent
	BaseURL string `yaml:"baseUrl,omitempty"`
}

// FloxyConfig configures the nginx reverse proxy we manage
type FloxyConfig struct {
	// MainConfig is the nginx config file passed via -c on every reload
	MainConfig string `yaml:"mainConfig,omitempty"`
}

// DockerConfig determines what commands actually get called when we drive
// the container engine
type DockerConfig struct {
	// Binary is the engine CLI. Anything argument-compatible with docker
	// (e.g. podman) works here
	Binary string `yaml:"binary,omitempty"`
}

// GetDefaultConfig returns the application default configuration NOTE (to
// contributors, not users): do not default a boolean to true, because false is
// the boolean zero value and this will be ignored when parsing the user's
// config
func GetDefaultConfig() UserConfig {
	return UserConfig{
		BaseDir: "/var/lib/flecs",
		Listen:  ":8951",
		Console: ConsoleConfig{
			BaseURL: "https://console.flecs.tech",
		},
		Floxy: FloxyConfig{
			MainConfig: "/etc/nginx/floxy.conf",
		},
		Docker: DockerConfig{
			Binary: "docker",
		},
	}
}

// AppConfig contains the base configuration fields required for flecsd.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"flecsd"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`
	UserConfig  *UserConfig
	ConfigDir   string
}

// NewAppConfig makes a new app config
func NewAppConfig(name, version, commit, date string, buildSource string, debuggingFlag bool, baseDirFlag string) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	if baseDirFlag != "" {
		userConfig.BaseDir = baseDirFlag
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		ConfigDir:   configDir,
	}

	return appConfig, nil
}

func configDir(projectName string) string {
	envConfigDir := os.Getenv("CONFIG_DIR")
	if envConfigDir != "" {
		return envConfigDir
	}
	configDirs := xdg.New("flecs", projectName)
	return configDirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)

	err := os.MkdirAll(folder, 0o755)
	if err != nil {
		return "", err
	}

	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	config := GetDefaultConfig()

	return loadUserConfig(configDir, &config)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig allows you to set a value on the user config to be saved
// note that if you set a zero-value, it may be ignored e.g. a false or 0 or
// empty string this is because we are using the omitempty yaml directive so
// that we don't write a heap of zero values to the user's config.yml
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return err
	}

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
