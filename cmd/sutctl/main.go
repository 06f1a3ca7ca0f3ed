// Package main implements the sutctl CLI tool
package main

import (
	"os"

	"github.com/pvaduva/auto-test-sub005/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
