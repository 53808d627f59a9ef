// Package cmd contains the command-line entry points for the spenser
// server. All application wiring lives here, leaving main.go as a
// minimal entry point.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spenser-ai/spenser/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Execute routes the command-line invocation to the right subcommand.
// Called from main(); also usable directly in tests.
func Execute() error {
	// Version and help work even when configuration is invalid.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			return printVersionInfo()
		case "help", "--help", "-h":
			printHelp()
			return nil
		case "migrate":
			return runMigrate()
		case "serve":
			return runServe()
		default:
			printHelp()
			return fmt.Errorf("unknown command %q", os.Args[1])
		}
	}

	// Serving is the default behavior.
	return runServe()
}

// initLogger builds the process-wide structured logger.
//
// Log level is controlled by the DEBUG environment variable: any value
// enables debug logging. Logs go to stderr so stdout stays clean for
// command output.
func initLogger() *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
		cfg.AddSource = true
	}
	return log.New(cfg)
}

// printVersionInfo displays version information.
func printVersionInfo() error {
	fmt.Printf("spenser v%s\n", Version)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
	return nil
}

// printHelp displays the help message.
func printHelp() {
	fmt.Println("spenser - conversational expense document assistant")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  spenser                  Start the HTTP API server (default)")
	fmt.Println("  spenser serve [addr]     Start the HTTP API server on addr")
	fmt.Println("  spenser migrate          Apply pending database migrations and exit")
	fmt.Println("  spenser version          Show version information")
	fmt.Println("  spenser help             Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GROQ_API_KEY             Required: Groq API key")
	fmt.Println("  DATABASE_URL             Optional: PostgreSQL connection URL")
	fmt.Println("  SPENSER_ADDR             Optional: listen address (host:port)")
	fmt.Println("  SPENSER_MODEL_NAME       Optional: chat completion model")
	fmt.Println("  SPENSER_LLM_BASE_URL     Optional: OpenAI-compatible endpoint")
	fmt.Println("  DEBUG                    Optional: enable debug logging")
}
