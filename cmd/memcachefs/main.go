package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memcachefs: %v\n", err)
		os.Exit(1)
	}
}
