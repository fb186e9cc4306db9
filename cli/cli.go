// Package cli implements the runman command line. Each subcommand lives in
// its own file and registers through the command interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/hpcsched/runman/config"
)

// CLI is the executable command tree.
type CLI interface {
	Exec() error
}

type cliRunner struct {
	rootCmd    *cobra.Command
	configPath string
}

type command interface {
	registerFlags() *cobra.Command
	run(c *cliRunner, cmd *cobra.Command, args []string) error
}

func New() CLI {
	c := &cliRunner{}
	c.rootCmd = &cobra.Command{
		Use:   "runman",
		Short: "runman drives adaptive tasks to their goals on a batch scheduler",
		Run:   func(*cobra.Command, []string) {},
	}
	c.rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "runman.json", "path to the run configuration file")

	c.addCmd(&runCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&cancelCmd{})
	c.addCmd(&queueCmd{})
	return c
}

func (c *cliRunner) Exec() error {
	return c.rootCmd.Execute()
}

func (c *cliRunner) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

func (c *cliRunner) loadConfig() (config.Config, error) {
	return config.Load(c.configPath)
}
