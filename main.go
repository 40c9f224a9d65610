package main

import (
	"os"

	"github.com/geoforge/tilemosaic/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
