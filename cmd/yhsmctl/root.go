// Package main implements yhsmctl, a thin command-line front end over
// the session facade: open a channel, run one operation, print a
// result. Persistent flags cover transport selection, auth key ID, and
// credential — the one-shot configuration a device client needs rather
// than a long-running server's.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	Use:   "yhsmctl",
	Short: "Command-line client for an SCP03-secured HSM",
	Long: `yhsmctl opens an authenticated secure channel to an HSM (over
HTTP connector, USB, or an in-process mock) and runs a single operation
per invocation: echo, random, generate-key, sign, or device info.`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{Level: &logLevel})))

	rootCmd.PersistentFlags().String("transport", "http", `transport to use: "http", "usb", or "mock"`)
	rootCmd.PersistentFlags().String("host", "", "connector host (HTTP transport only)")
	rootCmd.PersistentFlags().Int("port", 0, "connector port (HTTP transport only)")
	rootCmd.PersistentFlags().Uint16("auth-key", 1, "authentication key id")
	rootCmd.PersistentFlags().String("password", "", "password the static keys are derived from")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	_ = viper.BindPFlag("transport", rootCmd.PersistentFlags().Lookup("transport"))
	_ = viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("auth-key", rootCmd.PersistentFlags().Lookup("auth-key"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	viper.SetEnvPrefix("yhsmctl")
	viper.AutomaticEnv()

	rootCmd.AddCommand(echoCmd, randomCmd, generateKeyCmd, signCmd, deviceInfoCmd)
}

// Execute runs the root command; called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() error {
	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}
	if viper.GetString("password") == "" {
		return errNoPassword
	}
	return nil
}
