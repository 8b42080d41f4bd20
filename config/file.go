package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFile overlays the settings in path onto cfg.  The format follows
// the extension (YAML, TOML, JSON, ...).  Only keys present in the file
// change cfg; durations are written as "500ms", "20s" and so on.
//
//	host: echo.example.com
//	port: 7
//	charset: EUC-KR
//	connect_timeout: 5s
func LoadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}
