package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

type queueCmd struct{}

func (q *queueCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "print the live scheduler queue as the run manager sees it",
	}
}

func (q *queueCmd) run(c *cliRunner, cmd *cobra.Command, args []string) error {
	conf, err := c.loadConfig()
	if err != nil {
		return err
	}
	sched, err := conf.Scheduler.Create()
	if err != nil {
		return err
	}

	queue, err := sched.Queue(cmd.Context())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return err
	}
	cmd.OutOrStdout().Write(append(out, '\n'))
	return nil
}
