package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/hpcsched/runman/jobdb"
)

type statusCmd struct {
	liveOnly bool
}

func (s *statusCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the job records from the run database",
	}
	cmd.Flags().BoolVar(&s.liveOnly, "live", false, "only show non-terminal records")
	return cmd
}

func (s *statusCmd) run(c *cliRunner, cmd *cobra.Command, args []string) error {
	conf, err := c.loadConfig()
	if err != nil {
		return err
	}
	db, err := conf.Database.Create()
	if err != nil {
		return err
	}
	defer db.Close()

	recs := db.All()
	if s.liveOnly {
		var live []jobdb.JobRecord
		for _, rec := range recs {
			if !rec.State.IsTerminal() {
				live = append(live, rec)
			}
		}
		recs = live
	}

	out, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	cmd.OutOrStdout().Write(append(out, '\n'))
	return nil
}
