package config

import (
	"fmt"
	"net/url"
	"time"
)

// ClientConfig - настройки labchat. Заполняется из флагов и окружения (viper).
type ClientConfig struct {
	ServerURL       string        `mapstructure:"server"`
	Email           string        `mapstructure:"email"`
	Password        string        `mapstructure:"password"`
	TokenFile       string        `mapstructure:"token_file"`
	TypingQuiet     time.Duration `mapstructure:"typing_quiet"`
	NotifyGrace     time.Duration `mapstructure:"notify_grace"`
	AttachmentLimit int64         `mapstructure:"attachment_limit"`
	LinkPreviewURL  string        `mapstructure:"link_preview_url"`
	DesktopNotify   bool          `mapstructure:"desktop_notify"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	// LogFile - куда писать лог в режиме TUI; пусто - лог отключен
	LogFile string `mapstructure:"log_file"`
}

// ClientDefaults - значения по умолчанию для viper.SetDefault
func ClientDefaults() map[string]interface{} {
	return map[string]interface{}{
		"server":           "http://localhost:8080",
		"token_file":       "",
		"typing_quiet":     2 * time.Second,
		"notify_grace":     time.Second,
		"attachment_limit": int64(1 << 20),
		"link_preview_url": "https://api.microlink.io",
		"desktop_notify":   true,
		"request_timeout":  15 * time.Second,
		"log_level":        "warn",
		"log_file":         "",
	}
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", c.ServerURL)
	}
	if c.TypingQuiet <= 0 {
		return fmt.Errorf("typing quiet period must be positive")
	}
	if c.NotifyGrace <= 0 {
		return fmt.Errorf("notification grace window must be positive")
	}
	if c.AttachmentLimit <= 0 {
		return fmt.Errorf("attachment limit must be positive")
	}
	return nil
}
