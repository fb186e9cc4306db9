package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hpcsched/runman/common/endpoints"
	"github.com/hpcsched/runman/common/stats"
	"github.com/hpcsched/runman/runman"
)

type runCmd struct {
	httpAddr     string
	cancelOnStop bool
}

func (r *runCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the run and drive every task to its goal",
	}
	cmd.Flags().StringVar(&r.httpAddr, "http_addr", "localhost:9091", "admin http address; empty disables")
	cmd.Flags().BoolVar(&r.cancelOnStop, "cancel_on_stop", true, "cancel live jobs when interrupted")
	return cmd
}

func (r *runCmd) run(c *cliRunner, cmd *cobra.Command, args []string) error {
	conf, err := c.loadConfig()
	if err != nil {
		return err
	}

	sched, err := conf.Scheduler.Create()
	if err != nil {
		return err
	}
	db, err := conf.Database.Create()
	if err != nil {
		return err
	}
	defer db.Close()

	runCfg, tasks, goal := conf.Run.Create(conf.Database.Path)
	runCfg.RunID = runman.NewRunID()

	var listeners []runman.TransitionListener
	pub, err := conf.Notify.Create(runCfg.RunID)
	if err != nil {
		return err
	}
	if pub != nil {
		listeners = append(listeners, pub)
		defer pub.Close()
	}

	stat := stats.NewStatsReceiver()
	m, err := runman.NewRunManager(tasks, goal, sched, db, nil, runCfg, stat, listeners...)
	if err != nil {
		return err
	}
	log.Infof("Run %s started: %d tasks as %s-N", m.RunID(), len(tasks), runCfg.JobName)

	if r.httpAddr != "" {
		admin := endpoints.NewAdminServer(r.httpAddr, stat, func() interface{} { return m.Status() })
		go func() {
			if err := admin.Serve(); err != nil {
				log.Warnf("Admin http server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warnf("Interrupted; stopping the run (cancel_on_stop=%v)", r.cancelOnStop)
		m.Stop(r.cancelOnStop)
	}()

	rep := m.Wait()
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	cmd.OutOrStdout().Write(append(out, '\n'))
	if rep.Aborted {
		return errors.New(rep.AbortReason)
	}
	return nil
}
