package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/resource"
)

func main() {
	// Parse flags.
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := logrus.New()
	logFile, debugLogFile, err := setupLogger(logger, flags.Debug)
	if err != nil {
		color.Red("Logger error, exiting: %s", err)
		os.Exit(1)
	}
	defer closeLogFiles(logFile, debugLogFile)

	if err := run(flags, logger); err != nil {
		logger.Errorf("client exited: %v", err)
		color.Red("%s", err)
		closeLogFiles(logFile, debugLogFile)
		os.Exit(1)
	}
}

func run(flags Flags, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.Green("Connecting to server @ %s\n", serverURL(flags))

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	store, err := createConn(dialCtx, flags, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer store.Close()

	res := resource.NewRegistry(store).Get(flags.Doc,
		resource.WithUser(flags.User),
		resource.WithInitialValue(map[string]any{}),
		resource.WithLogger(logger))

	// Text operators are registered before the log is replayed.
	s := newSession(res, logger, flags.User, flags.File)
	for _, path := range flags.Text {
		s.textOperator(path)
	}

	disconnect, err := res.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", flags.Doc, err)
	}
	defer disconnect()

	logger.WithFields(logrus.Fields{
		"doc":    flags.Doc,
		"user":   flags.User,
		"client": res.Client(),
	}).Info("document opened")

	if flags.File != "" {
		if _, err := os.Stat(flags.File); err == nil {
			if _, err := s.execute(ctx, command{Name: CommandLoad}); err != nil {
				return err
			}
		}
	}

	return UI(ctx, s, store.Done(), store.Err)
}
