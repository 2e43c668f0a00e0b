package main

import (
	"os"

	"github.com/not-empty/orderq-go/src/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
