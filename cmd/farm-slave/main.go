package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mateo/testfarm/internal/agent"
	"github.com/mateo/testfarm/internal/config"
)

func main() {
	var configPath, server string

	root := &cobra.Command{
		Use:          "farm-slave",
		Short:        "Reference test farm slave",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
			log.Println("farm-slave starting...")

			if configPath == "" {
				configPath = filepath.Join(config.BaseDir(), "slave.yaml")
			}
			cfg, err := agent.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if server != "" {
				cfg.Server = server
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			err = agent.New(cfg).Run(ctx)
			if errors.Is(err, agent.ErrUnauthorized) {
				log.Printf("Coordinator rejected slave %q; register it with 'farmctl slave add'", cfg.Name)
			}
			return err
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "slave config file (default ~/.testfarm/slave.yaml)")
	root.Flags().StringVar(&server, "server", "", "coordinator address, overrides the config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
