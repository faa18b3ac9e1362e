package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "onboardd",
		Short:         "Merchant onboarding and agreement signing",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a yaml config file")

	rootCmd.AddCommand(createCmd(a))
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(setStatusCmd(a))
	rootCmd.AddCommand(generateCmd(a))
	rootCmd.AddCommand(signCmd(a))
	rootCmd.AddCommand(downloadCmd(a))
	rootCmd.AddCommand(watchCmd(a))
	rootCmd.AddCommand(tokenCmd(a))
	rootCmd.AddCommand(publishCmd(a))

	return rootCmd
}
