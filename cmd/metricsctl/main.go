// Package main provides metricsctl, the operator CLI for metric stores.
package main

import (
	"os"

	"github.com/thebtf/metricache/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
