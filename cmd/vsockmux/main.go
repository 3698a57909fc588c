package main

import (
	"fmt"
	"os"

	"github.com/Zereker/vsockmux"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		os.Exit(1)
	}
}

// errorLine renders err as "<Kind>: <cause>" for errors from the taxonomy.
func errorLine(err error) string {
	kind := vsockmux.Kind(err)
	if kind == "Unknown" {
		return "Error: " + err.Error()
	}
	return kind + ": " + err.Error()
}
