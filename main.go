// Package main checks train seat availability on grandtrain.ru and notifies
// Telegram chats when the available seats change.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"train-notifier/scraper"
)

// Process exit statuses.
const (
	exitOK           = 0
	exitFailure      = 1
	exitAccessDenied = 2
	exitNoResults    = 3
)

// exitError carries a specific exit status out of a command.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit status " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	a := &app{}
	cmd := a.rootCommand()
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	code := exitCode(err)
	if code == exitFailure || code == exitAccessDenied {
		a.log().Error("Command failed", "error", err, "exit_code", code)
	}
	a.close()
	return code
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if scraper.IsAccessDenied(err) {
		return exitAccessDenied
	}
	return exitFailure
}

func (a *app) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}
