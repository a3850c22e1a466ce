package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mateo/testfarm/internal/api"
	"github.com/mateo/testfarm/internal/config"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/store"
	"github.com/spf13/cobra"
)

var cfg config.Config

func main() {
	cfg, _ = config.Load()

	root := &cobra.Command{
		Use:   "farmctl",
		Short: "Control the test farm coordinator",
	}

	root.AddCommand(
		statusCmd(),
		enqueueCmd(),
		stopCmd(),
		touchSlaveCmd(),
		slaveCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --- status ---

func statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connected slaves and queued assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(cfg.API.Port)
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("Farm: %d slaves | %d assignments | %d connections\n",
				len(status.Slaves), len(status.Assignments), status.Connections)

			if len(status.Slaves) > 0 {
				fmt.Println("\nSlaves:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "ID\tNAME\tSTATUS\tPROJECT\tTYPE\tASSIGNMENT\tCAPABILITIES\n")
				for _, s := range status.Slaves {
					assignment := "-"
					if s.AssignmentID != 0 {
						assignment = strconv.FormatInt(s.AssignmentID, 10)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						s.ID, s.Name, s.Status, s.ProjectName, s.TestType,
						assignment, strings.Join(s.Capabilities, ","))
				}
				w.Flush()
			}

			if len(status.Assignments) > 0 {
				fmt.Println("\nAssignments:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "ID\tROUND\tSCRIPT\tDRIVER\tSTATUS\tSLAVE\tELAPSED\n")
				for _, a := range status.Assignments {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%s\n",
						a.ID, a.RoundID, a.ScriptName, a.Driver, a.Status, a.SlaveID, a.Elapsed)
				}
				w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// --- assignments ---

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <assignment-id>...",
		Short: "Queue assignments for scheduling",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if err := api.NewClient(cfg.API.Port).Enqueue(ids...); err != nil {
				return fmt.Errorf("enqueue failed: %w", err)
			}
			fmt.Printf("Queued %d assignment(s)\n", len(ids))
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	var slaveID int64
	cmd := &cobra.Command{
		Use:   "stop <assignment-id>",
		Short: "Ask the slave running an assignment to stop it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid assignment id %q", args[0])
			}
			if err := api.NewClient(cfg.API.Port).Stop(id, slaveID); err != nil {
				return fmt.Errorf("stop failed: %w", err)
			}
			fmt.Printf("Stop requested for assignment %d on slave %d\n", id, slaveID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&slaveID, "slave", 0, "ID of the slave running the assignment")
	cmd.MarkFlagRequired("slave")
	return cmd
}

func touchSlaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch-slave <slave-id>",
		Short: "Make the coordinator reload a slave's stored attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slave id %q", args[0])
			}
			if err := api.NewClient(cfg.API.Port).TouchSlave(id); err != nil {
				return fmt.Errorf("touch failed: %w", err)
			}
			fmt.Printf("Slave %d marked for refresh\n", id)
			return nil
		},
	}
}

// --- slave ---

func slaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Manage registered slaves in the database",
	}

	var attrs registry.Attributes
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a slave so it is allowed to connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			id, err := st.CreateSlave(ctx, args[0], attrs)
			if err != nil {
				return fmt.Errorf("creating slave: %w", err)
			}
			fmt.Printf("Slave %q registered with id %d\n", args[0], id)
			return nil
		},
	}
	addSlaveFlags(addCmd, &attrs)

	var name string
	updateCmd := &cobra.Command{
		Use:   "update <slave-id>",
		Short: "Change a slave's name or scheduling attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slave id %q", args[0])
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			current, err := st.SlaveByID(ctx, id)
			if err != nil {
				return err
			}
			if name == "" {
				name = current.Name
			}
			flags := cmd.Flags()
			if !flags.Changed("project") {
				attrs.ProjectName = current.ProjectName
			}
			if !flags.Changed("type") {
				attrs.TestType = current.TestType
			}
			if !flags.Changed("priority") {
				attrs.Priority = current.Priority
			}
			if !flags.Changed("active") {
				attrs.Active = current.Active
			}

			if err := st.UpdateSlave(ctx, id, name, attrs); err != nil {
				return fmt.Errorf("updating slave: %w", err)
			}
			fmt.Printf("Slave %d updated\n", id)
			notifyCoordinator(id)
			return nil
		},
	}
	updateCmd.Flags().StringVar(&name, "name", "", "New slave name")
	addSlaveFlags(updateCmd, &attrs)

	removeCmd := &cobra.Command{
		Use:   "remove <slave-id>",
		Short: "Delete a slave and disconnect it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slave id %q", args[0])
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := st.DeleteSlave(ctx, id); err != nil {
				return fmt.Errorf("deleting slave: %w", err)
			}
			fmt.Printf("Slave %d removed\n", id)
			notifyCoordinator(id)
			return nil
		},
	}

	cmd.AddCommand(addCmd, updateCmd, removeCmd)
	return cmd
}

func addSlaveFlags(cmd *cobra.Command, attrs *registry.Attributes) {
	cmd.Flags().StringVar(&attrs.ProjectName, "project", "", "Project affinity (name, comma list or *)")
	cmd.Flags().StringVar(&attrs.TestType, "type", "", "Test type affinity (name, comma list or *)")
	cmd.Flags().IntVar(&attrs.Priority, "priority", 0, "Scheduling priority, lower goes first")
	cmd.Flags().BoolVar(&attrs.Active, "active", true, "Accept work from the shared queue")
}

func openStore() (*store.GormStore, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	return store.New(db), nil
}

// notifyCoordinator is best effort: a stopped daemon reloads everything
// on its next start anyway.
func notifyCoordinator(id int64) {
	if err := api.NewClient(cfg.API.Port).TouchSlave(id); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: coordinator not notified: %v\n", err)
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.EnsureDirs(); err != nil {
				return fmt.Errorf("creating directories: %w", err)
			}
			path := config.ConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config already exists at %s, skipping\n", path)
				return nil
			}
			if err := config.Save(config.Default()); err != nil {
				return fmt.Errorf("saving default config: %w", err)
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid assignment id %q", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no assignment ids given")
	}
	return ids, nil
}
