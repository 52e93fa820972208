package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"github.com/burntcarrot/pairdoc/logstore"
	"github.com/burntcarrot/pairdoc/resource"
)

// Flags represents the command-line flags that are passed to pairdoc's client.
type Flags struct {
	Server string
	Path   string
	Secure bool
	Doc    string
	User   string
	File   string
	Text   []string
	Debug  bool
}

// parseFlags parses command-line flags.
func parseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("pairdoc", flag.ContinueOnError)

	serverAddr := fs.String("server", "localhost:8080", "The network address of the server")
	serverPath := fs.String("path", "/", "The path the server serves the log store on")
	useSecureConn := fs.Bool("secure", false, "Enable a secure WebSocket connection (wss://)")
	doc := fs.String("doc", "default", "The document to edit")
	user := fs.String("user", "", "The name shown with your edits")
	file := fs.String("file", "", "The file to save the document to and load it from")
	text := fs.String("text", "", "Comma-separated paths of the text fields of the document")
	enableDebug := fs.Bool("debug", false, "Enable debugging mode to show more verbose logs")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	name := *user
	if name == "" {
		name = os.Getenv("USER")
	}

	return Flags{
		Server: *serverAddr,
		Path:   *serverPath,
		Secure: *useSecureConn,
		Doc:    *doc,
		User:   name,
		File:   *file,
		Text:   splitPaths(*text),
		Debug:  *enableDebug,
	}, nil
}

func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// serverURL returns the websocket URL of the server.
func serverURL(flags Flags) string {
	u := url.URL{Scheme: "ws", Host: flags.Server, Path: flags.Path}
	if flags.Secure {
		u.Scheme = "wss"
	}
	return u.String()
}

// createConn connects to the server's log store.
func createConn(ctx context.Context, flags Flags, logger logrus.FieldLogger) (*logstore.Remote, error) {
	return logstore.Dial(ctx, serverURL(flags), logstore.WithRemoteLogger(logger))
}

// ensureDirExists ensures that a directory exists, and if it isn't present, it tries to create a new one.
func ensureDirExists(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}

	if err := os.Mkdir(path, 0700); err != nil {
		return false, err
	}

	return true, nil
}

// logPaths returns where the client writes its logs, preferring ~/.pairdoc.
func logPaths() (string, string, error) {
	logPath := "pairdoc.log"
	debugLogPath := "pairdoc-debug.log"

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return logPath, debugLogPath, nil
	}

	pairdocDir := filepath.Join(homeDir, ".pairdoc")
	dirExists, err := ensureDirExists(pairdocDir)
	if err != nil {
		return "", "", err
	}
	if dirExists {
		logPath = filepath.Join(pairdocDir, "pairdoc.log")
		debugLogPath = filepath.Join(pairdocDir, "pairdoc-debug.log")
	}
	return logPath, debugLogPath, nil
}

// setupLogger initializes the client's logger (logrus). The terminal belongs
// to the UI, so nothing is written to it.
func setupLogger(logger *logrus.Logger, debug bool) (*os.File, *os.File, error) {
	logPath, debugLogPath, err := logPaths()
	if err != nil {
		return nil, nil, err
	}

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	// Verbose logs go to a separate file.
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		_ = logFile.Close()
		return nil, nil, fmt.Errorf("open debug log file: %w", err)
	}

	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(&writer.Hook{
		Writer: logFile,
		LogLevels: []logrus.Level{
			logrus.WarnLevel,
			logrus.ErrorLevel,
			logrus.FatalLevel,
			logrus.PanicLevel,
		},
	})
	logger.AddHook(&writer.Hook{
		Writer: debugLogFile,
		LogLevels: []logrus.Level{
			logrus.TraceLevel,
			logrus.DebugLevel,
			logrus.InfoLevel,
		},
	})

	return logFile, debugLogFile, nil
}

// closeLogFiles closes the log files created by the client.
// closeLogFiles is meant to be used for defer calls.
func closeLogFiles(logFile, debugLogFile *os.File) {
	if err := logFile.Close(); err != nil {
		fmt.Printf("Failed to close log file: %s", err)
		return
	}

	if err := debugLogFile.Close(); err != nil {
		fmt.Printf("Failed to close debug log file: %s", err)
		return
	}
}

// printDoc "prints" the state of the resource to the logs.
func printDoc(logger logrus.FieldLogger, res *resource.Resource) {
	source, _ := json.Marshal(res.SourceValue())
	client, _ := json.Marshal(res.ClientValue())
	logger.WithFields(logrus.Fields{
		"doc":     res.ID(),
		"pending": res.PendingLen(),
	}).Debugf("---DOCUMENT STATE--- source: %s client: %s", source, client)
}
