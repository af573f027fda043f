package main

import (
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the job queues without serving HTTP",
	Long: `Start queue workers only.

Run as many worker processes as needed next to one or more serve
processes; they share jobs through Redis and the database. A job row
is leased by the process running it, so the same job never runs twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		a.engine.Start(ctx)

		broker := a.newBroker()
		defer broker.Close()
		done, err := a.startWorkers(ctx, broker)
		if err != nil {
			return err
		}

		<-ctx.Done()
		a.log.Info("shutting down workers")
		return waitWorkers(done)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
