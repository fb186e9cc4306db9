package cli

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hpcsched/runman/scheduler"
)

type cancelCmd struct {
	maxTries int
}

func (cc *cancelCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "cancel every live job of the configured run, draining the queue",
	}
	cmd.Flags().IntVar(&cc.maxTries, "max_tries", 5, "queue drain passes before giving up")
	return cmd
}

func (cc *cancelCmd) run(c *cliRunner, cmd *cobra.Command, args []string) error {
	conf, err := c.loadConfig()
	if err != nil {
		return err
	}
	sched, err := conf.Scheduler.Create()
	if err != nil {
		return err
	}

	names := conf.Run.JobNames()
	log.Infof("Cancelling jobs of %s (%d names)", conf.Run.JobName, len(names))
	return scheduler.CancelAll(cmd.Context(), sched, names, cc.maxTries)
}
