package main

import (
	"fmt"
	"os"

	"github.com/tonimelisma/fieldsync/internal/config"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
