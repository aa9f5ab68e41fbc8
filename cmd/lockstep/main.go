package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sheerbytes/lockstep/internal/client"
	"github.com/sheerbytes/lockstep/internal/config"
	"github.com/sheerbytes/lockstep/internal/logging"
	"github.com/sheerbytes/lockstep/internal/store"
	"github.com/sheerbytes/lockstep/internal/transfer"
	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/internal/wire"
	"github.com/sheerbytes/lockstep/pkg/protocol"
)

const version = "v0.1.0"

// operation is one get or put from the command line.
type operation struct {
	verb protocol.Verb
	name string
}

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(version)
		return
	}

	cfg, err := config.ParseClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstep: %v\n", err)
		os.Exit(2)
	}
	ops, err := parseOperations(cfg.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstep: %v\n", err)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	logger := logging.New("lockstep", cfg.LogLevel)
	kind, _ := transport.ParseKind(cfg.Transport)
	framing, _ := wire.ParseFraming(cfg.Framing)

	st, err := store.NewDir(cfg.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstep: %v\n", err)
		os.Exit(1)
	}

	c := client.New(st, client.Options{
		Transport:   kind,
		Framing:     framing,
		ChunkSize:   cfg.ChunkSize,
		IOTimeout:   cfg.IOTimeout,
		DialTimeout: cfg.DialTimeout,
		KeepAlive:   cfg.KeepAlive,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if failed := run(ctx, c, cfg.Addr, ops, os.Stdout); failed > 0 {
		os.Exit(1)
	}
}

// run opens a session, performs ops in order and closes the session. It
// prints one line per result and returns the number of failures.
func run(ctx context.Context, c *client.Client, addr string, ops []operation, out io.Writer) int {
	greeting, err := c.Open(ctx, addr)
	if err != nil {
		fmt.Fprintf(out, "open %s: %v\n", addr, err)
		return 1
	}
	fmt.Fprintln(out, greeting)

	failed := 0
	for i, op := range ops {
		var stats transfer.Stats
		var err error
		switch op.verb {
		case protocol.VerbGet:
			stats, err = c.Get(ctx, op.name)
		case protocol.VerbPut:
			stats, err = c.Put(ctx, op.name)
		}

		label := strings.ToLower(string(op.verb))
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", label, op.name, err)
			if !c.Connected() {
				// Session lost; the rest cannot run.
				return failed + len(ops) - i - 1
			}
			continue
		}
		fmt.Fprintf(out, "%s %s: %d bytes in %d chunks\n", label, op.name, stats.Bytes, stats.Chunks)
	}

	if err := c.Quit(ctx); err != nil {
		fmt.Fprintf(out, "close: %v\n", err)
		failed++
	}
	return failed
}

// parseOperations reads "get <name>" and "put <name>" pairs.
func parseOperations(args []string) ([]operation, error) {
	if len(args) == 0 {
		return nil, errors.New("no operations given")
	}
	var ops []operation
	for i := 0; i < len(args); i += 2 {
		var verb protocol.Verb
		switch strings.ToLower(args[i]) {
		case "get":
			verb = protocol.VerbGet
		case "put":
			verb = protocol.VerbPut
		default:
			return nil, fmt.Errorf("unknown operation %q", args[i])
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s needs a file name", args[i])
		}
		if _, err := protocol.NewCommand(verb, args[i+1]); err != nil {
			return nil, fmt.Errorf("%s %q: %w", args[i], args[i+1], err)
		}
		ops = append(ops, operation{verb: verb, name: args[i+1]})
	}
	return ops, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: lockstep [flags] get <name> | put <name> ...")
	fmt.Fprintln(w, "  -addr HOST:PORT        server address (default 127.0.0.1:5050)")
	fmt.Fprintln(w, "  -root DIR              local directory (default client)")
	fmt.Fprintln(w, "  -transport tcp|quic|ws transport (default tcp)")
	fmt.Fprintln(w, "  -framing sentinel|length")
	fmt.Fprintln(w, "  -chunk-size N          transfer chunk size (default 1024)")
	fmt.Fprintln(w, "  -io-timeout DURATION   per-message deadline (default none)")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
