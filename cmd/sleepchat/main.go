package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"sleepchat/internal/app"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (.json, .jsonc, .yaml)")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "fatal: env file:", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
