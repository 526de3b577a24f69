package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lab_collab/internal/config"
)

const envPrefix = "LABCHAT"

var rootCmd = &cobra.Command{
	Use:   "labchat",
	Short: "Terminal client for labd direct messages and presence",
	Long: `labchat signs in to a labd server, publishes your presence and lets you
chat with other lab members. Without a subcommand it opens the interactive UI.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("server", "", "labd base URL")
	flags.StringP("email", "e", "", "account email")
	flags.StringP("password", "p", "", "account password")
	flags.String("token-file", "", "where to keep the session tokens")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "write logs to this file")
	flags.Duration("typing-quiet", 0, "quiet period before the typing flag is cleared")
	flags.Duration("notify-grace", 0, "initial load window ignored by notifications")
	flags.Int64("attachment-limit", 0, "maximum attachment size in bytes")
	flags.String("link-preview-url", "", "microlink compatible preview endpoint")
	flags.Bool("desktop-notify", true, "show desktop notifications over D-Bus")
	flags.Duration("request-timeout", 0, "HTTP request timeout")

	for _, name := range []string{
		"server", "email", "password", "token-file", "log-level", "log-file",
		"typing-quiet", "notify-grace", "attachment-limit", "link-preview-url",
		"desktop-notify", "request-timeout",
	} {
		viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, whoamiCmd, profileCmd,
		usersCmd, sendCmd, historyCmd, reactCmd, pinCmd, editCmd, deleteCmd,
		watchCmd, onlineCmd, stickersCmd)
}

func initConfig() {
	_ = godotenv.Load()

	for key, value := range config.ClientDefaults() {
		viper.SetDefault(key, value)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		viper.SetDefault("token_file", filepath.Join(dir, "labchat", "tokens.json"))
	}
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
}

// loadConfig собирает настройки: флаги поверх LABCHAT_* поверх значений по умолчанию
func loadConfig() (config.ClientConfig, error) {
	var cfg config.ClientConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
