package main

import (
	"fmt"
	"os"

	"github.com/rezonia/nfse-submitter/cmd/nfse-submitter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
