// fastagi - a FastAGI server for Asterisk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fastagi/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fastagi: %v\n", err)
		os.Exit(1)
	}
}
