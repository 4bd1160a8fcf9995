package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	logpkg "github.com/local/docpdf/internal/logger"
)

func main() {
	cmd := newRootCommand()
	err := cmd.Execute()
	logpkg.Close()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
