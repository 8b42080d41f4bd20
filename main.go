// socketkit - blocking, session and multiplexing TCP socket toolkit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"socketkit/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "socketkit: %v\n", err)
		os.Exit(1)
	}
}
