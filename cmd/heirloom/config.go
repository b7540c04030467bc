package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"heirloom/api/internal/apiclient"
)

const (
	cfgKeyServer       = "server"
	cfgKeyProtocolKey  = "protocol_key"
	cfgKeyUserName     = "user_name"
	cfgKeyDataDir      = "data_dir"
	cfgKeyToken        = "token"
	cfgKeyRefreshToken = "refresh_token"
	cfgKeyLogLevel     = "log_level"

	defaultServer   = "http://localhost:8790"
	defaultLogLevel = "warn"
)

// defaultConfigDir is ~/.heirloom, or ./.heirloom when there is no home.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".heirloom"
	}
	return filepath.Join(home, ".heirloom")
}

// loadConfig reads the YAML config at path. A missing file is not an error;
// it is created on the first write.
func loadConfig(path string) (*viper.Viper, error) {
	if path == "" {
		path = filepath.Join(defaultConfigDir(), "config.yaml")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetConfigPermissions(0o600)
	v.SetEnvPrefix("HEIRLOOM")
	v.AutomaticEnv()

	v.SetDefault(cfgKeyServer, defaultServer)
	v.SetDefault(cfgKeyDataDir, filepath.Join(filepath.Dir(path), "data"))
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// saveConfig writes every setting back to the config file.
func saveConfig(v *viper.Viper) error {
	path := v.ConfigFileUsed()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func tokensFrom(v *viper.Viper) apiclient.Tokens {
	return apiclient.Tokens{
		Token:        v.GetString(cfgKeyToken),
		RefreshToken: v.GetString(cfgKeyRefreshToken),
	}
}

func storeTokens(v *viper.Viper, tokens apiclient.Tokens) error {
	v.Set(cfgKeyToken, tokens.Token)
	v.Set(cfgKeyRefreshToken, tokens.RefreshToken)
	return saveConfig(v)
}
