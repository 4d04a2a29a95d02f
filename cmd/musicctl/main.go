package main

import (
	"os"

	"github.com/makeasinger/musicgen/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
