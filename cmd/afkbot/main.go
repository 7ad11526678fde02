// Package main is the entry point for the afkbot workstation CLI.
package main

import (
	"os"

	"github.com/clharman/afkbot/cmd/afkbot/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(app.ExitCode(err))
	}
}
