// Package main is the entry point for the tvboxd signage player daemon.
package main

import (
	"os"

	"tvboxd/cmd/tvboxd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
