package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"gitlab.com/gitlab-org/database-backfill/backfill"
)

func main() {
	if err := backfill.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
