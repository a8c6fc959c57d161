// Package main is the entry point for crp, the Claude rotation proxy.
package main

import (
	"os"

	"github.com/Dicklesworthstone/claude_rotation_proxy/cmd/crp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
