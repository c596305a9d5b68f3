package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute()
	memguard.Purge()
	if err != nil {
		fmt.Fprintln(os.Stderr, "termgate:", err)
		os.Exit(1)
	}
}
