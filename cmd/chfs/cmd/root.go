package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var (
	configFile string
	bindHost   string
	bindPort   int
	hotReload  bool
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "chfs",
	Short: "chfs multi-tenant file server with HTTP API and WebDAV",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", envOr("CHFS_CONFIG", "./chfs.yaml"), "config file")
	rootCmd.PersistentFlags().StringVar(&bindHost, "host", "", "bind address (overrides config)")
	rootCmd.PersistentFlags().IntVar(&bindPort, "port", 0, "bind port (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&hotReload, "reload", true, "watch the config file and reload on change")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", os.Getenv("CHFS_DEBUG") != "", "enable debug logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
