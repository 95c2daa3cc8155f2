// Package main is the entry point for the fanoutctl operator CLI binary.
package main

import (
	"os"

	cli "fanoutctl/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
