package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/decentcloud/dcledger/logx"
)

var (
	configPath       string
	ledgerConfigPath string
	ledgerPath       string
	envFile          string
)

var rootCmd = &cobra.Command{
	Use:           "dcledger",
	Short:         "Hash-chained marketplace ledger",
	Long:          "Command line interface for running a ledger node and writing marketplace records to a ledger file.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// before the first log line: logx reads LOGFILE* on first use
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/node.yml", "Path to the node configuration file")
	rootCmd.PersistentFlags().StringVar(&ledgerConfigPath, "ledger-config", "config/ledger.ini", "Path to the ledger tuning file")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "Ledger file, overrides the node configuration")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before anything else")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed: ", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
