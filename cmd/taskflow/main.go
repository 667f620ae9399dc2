package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "taskflow",
		Short:         "Offline-first client for the task manager API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default ~/.taskflow/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table or yaml")

	rootCmd.AddCommand(loginCmd(a))
	rootCmd.AddCommand(logoutCmd(a))
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(showCmd(a))
	rootCmd.AddCommand(createCmd(a))
	rootCmd.AddCommand(updateCmd(a))
	rootCmd.AddCommand(doneCmd(a))
	rootCmd.AddCommand(deleteCmd(a))
	rootCmd.AddCommand(assignCmd(a))
	rootCmd.AddCommand(queueCmd(a))
	rootCmd.AddCommand(syncCmd(a))
	rootCmd.AddCommand(watchCmd(a))
	return rootCmd, a
}
