// Command goredact redacts personal information from documents and images,
// either one file at a time, as a batch, or as an HTTP service.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

const usage = `usage: goredact <command> [flags] [args]

commands:
  pdf|word|excel|image|ppt <input>   redact one file
  batch <dir|files...>               redact many files and print a summary
  api                                run the HTTP service
  decrypt --key PIN <ciphertext>...  decrypt values written by --method encrypt
  types                              list formats and their methods
  version                            print the version

run "goredact <command> -h" for the flags of a command.
`

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "pdf", "word", "excel", "image", "ppt":
		return runFile(cmd, rest, stdout, stderr)
	case "batch":
		return runBatch(rest, stdout, stderr)
	case "api", "serve":
		return runAPI(rest, stderr)
	case "decrypt":
		return runDecrypt(rest, stdout, stderr)
	case "types":
		return runTypes(stdout)
	case "version", "--version":
		return runVersion(stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	}
	fmt.Fprintf(stderr, "goredact: unknown command %q\n\n%s", cmd, usage)
	return exitUsage
}

// setupLogging installs the default logger: JSON for the service, text for
// CLI runs.
func setupLogging(w io.Writer, verbose, json bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}
