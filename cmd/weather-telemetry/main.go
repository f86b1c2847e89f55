package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	exitOK            = 0
	exitConfig        = 1
	exitFetchFailed   = 2
	exitPublishFailed = 3
	exitConflict      = 4
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// deps are the process-level collaborators, swapped out in tests.
type deps struct {
	stdout     io.Writer
	stderr     io.Writer
	getenv     func(string) string
	httpClient *http.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		getenv:     os.Getenv,
		httpClient: &http.Client{},
	})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, d deps) int {
	root := newRootCmd(d)
	root.SetArgs(args)
	root.SetOut(d.stdout)
	root.SetErr(d.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag and argument errors from cobra.
	fmt.Fprintln(d.stderr, "Error:", err)
	return exitConfig
}

func newRootCmd(d deps) *cobra.Command {
	root := newPushCmd(d, "weather-telemetry")
	root.Short = "Append a weather measurement to a JSON series stored in a GitHub repository"
	root.SilenceErrors = true
	root.AddCommand(newPushCmd(d, "push"))
	root.AddCommand(newServeCmd(d))
	return root
}
