package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/taskpool/internal/executor"
	"github.com/ChuLiYu/taskpool/internal/pbs"
)

func buildSubmitCommand() *cobra.Command {
	var (
		taskFile   string
		brokerAddr string
		prefix     string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tasks from a JSON file to a running pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			cfg, err := configFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			tasks, err := executor.LoadTasks(taskFile)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, "submit")
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := connectBroker(ctx, cfg, brokerAddr, prefix)
			if err != nil {
				return fmt.Errorf("connect broker: %w", err)
			}
			defer client.Close()

			exec := executor.New(client, pbs.Hostname(), log)
			if wait {
				return printOutcomes(cmd.OutOrStdout(), exec.RunAll(ctx, tasks))
			}
			for _, t := range tasks {
				id, err := exec.Submit(ctx, t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, t.Name)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	f.StringVar(&brokerAddr, "broker", "", "broker host:port (default from config)")
	f.StringVar(&prefix, "prefix", "", "broker key prefix (default from config)")
	f.BoolVar(&wait, "wait", false, "wait for every result and print it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
