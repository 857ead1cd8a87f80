package main

import (
	"os"

	"github.com/emberdb/ember/cmd"
	"github.com/emberdb/ember/utils/log"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}
