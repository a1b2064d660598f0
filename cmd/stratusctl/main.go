package main

import (
	"os"

	"github.com/eschercloudai/stratus/pkg/cmd"
)

func main() {
	c := cmd.Generate()

	if err := c.Execute(); err != nil {
		os.Exit(1)
	}
}
