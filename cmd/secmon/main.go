package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/yairfalse/secmon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if errors.Is(err, cli.ErrFindingsAboveThreshold) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
