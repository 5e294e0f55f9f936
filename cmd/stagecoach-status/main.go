package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/eleven-am/stagecoach/internal/cli"
)

func main() {
	opts, shouldExit, err := cli.ParseStatus(os.Args[1:], os.Stderr)
	if shouldExit {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}

	os.Exit(cli.RunStatus(context.Background(), opts, os.Stdout, os.Stderr))
}
