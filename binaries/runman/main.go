package main

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/cli"
	"github.com/hpcsched/runman/common/log/hooks"
)

func main() {
	// .env carries cluster-local settings like SCHEDULER_SYSTEM
	godotenv.Load()

	log.AddHook(hooks.NewContextHook())
	log.SetLevel(log.InfoLevel)
	if lvl, err := log.ParseLevel(os.Getenv("RUNMAN_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	if err := cli.New().Exec(); err != nil {
		log.Fatal(err)
	}
}
