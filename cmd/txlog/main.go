package main

import (
	"os"

	"github.com/alpacahq/txlog/cmd"
	"github.com/alpacahq/txlog/utils/log"
)

func main() {
	err := cmd.Execute()
	log.Sync()
	if err != nil {
		os.Exit(1)
	}
}
