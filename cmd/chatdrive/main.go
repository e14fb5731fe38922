// Package main is the entry point for chatdrive, a blob store that keeps
// files as document messages in a messaging account.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"
)

// streams are the standard streams a command reads and writes.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

type command struct {
	summary string
	run     func(ctx context.Context, args []string, s streams) error
}

var commands = map[string]command{
	"serve":  {"run the operator HTTP server", runServe},
	"login":  {"log in to the messaging account and save the session", runLogin},
	"logout": {"revoke and forget a saved session", runLogout},
	"status": {"list saved sessions and whether they are still valid", runStatus},
	"put":    {"upload a local file and print its record", runPut},
	"get":    {"download the file described by a record", runGet},
	"rm":     {"delete the blocks of a record", runRm},
	"cp":     {"duplicate the blocks of a record under a new content id", runCp},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr})
	stop()
	os.Exit(code)
}

// run dispatches args to a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, s streams) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(s.err)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(s.err, "Unknown command: %s\n", args[0])
		usage(s.err)
		return 2
	}
	if err := cmd.run(ctx, args[1:], s); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(s.err, "chatdrive %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: chatdrive <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
}

// newFlagSet returns a flag set for a subcommand with the global flags
// registered.
func newFlagSet(name string, g *globalFlags, s streams) *pflag.FlagSet {
	fs := pflag.NewFlagSet("chatdrive "+name, pflag.ContinueOnError)
	fs.SetOutput(s.err)
	g.register(fs)
	return fs
}
