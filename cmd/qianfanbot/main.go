package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qianfanbot",
	Short: "Chat bot for Baidu Qianfan models",
	Long: `qianfanbot answers /chat and /imagine commands on Telegram, Discord,
Feishu and an HTTP API. Replying to one of its answers continues the
conversation.

Examples:
  qianfanbot serve --config config.toml
  qianfanbot migrate up
  qianfanbot token alice --expires 72h
  qianfanbot ask "what is the tallest mountain"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "qianfanbot %s (%s) %s\n", version, commit, runtime.Version())
	},
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	rootCmd.PersistentFlags().String("config", defaultConfig, "Path to the TOML or YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(versionCmd)
}
