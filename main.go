// Package main is the entry point for vigil.
package main

import (
	"os"

	"vigil/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
