package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/internal/wire"
)

const (
	envPrefix = "LOCKSTEP_"

	defaultAddr      = "127.0.0.1:5050"
	defaultChunkSize = 1024
	maxChunkSize     = 1024 * 1024
)

// ServerConfig holds configuration for lockstepd.
type ServerConfig struct {
	Addr        string
	Root        string // directory served to clients
	Transport   string // tcp, quic or ws
	Framing     string // sentinel or length
	LogLevel    string
	ChunkSize   int
	IOTimeout   time.Duration // 0 waits forever on a stalled peer
	KeepAlive   time.Duration
	MaxSessions int // 0 admits every connection
}

// ClientConfig holds configuration for the lockstep client.
type ClientConfig struct {
	Addr        string
	Root        string // local directory for downloads and uploads
	Transport   string
	Framing     string
	LogLevel    string
	ChunkSize   int
	IOTimeout   time.Duration
	DialTimeout time.Duration
	KeepAlive   time.Duration
	Args        []string // operations left after flag parsing
}

// ParseServerConfig parses server configuration from flags and environment
// variables. Flags take precedence over environment variables.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:      defaultAddr,
		Root:      "server",
		Transport: string(transport.KindTCP),
		Framing:   wire.FramingSentinel.String(),
		LogLevel:  "info",
		ChunkSize: defaultChunkSize,
		KeepAlive: 30 * time.Second,
	}

	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("ROOT", &cfg.Root)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("FRAMING", &cfg.Framing)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.integer("CHUNK_SIZE", &cfg.ChunkSize)
	env.duration("IO_TIMEOUT", &cfg.IOTimeout)
	env.duration("KEEPALIVE", &cfg.KeepAlive)
	env.integer("MAX_SESSIONS", &cfg.MaxSessions)
	if env.err != nil {
		return cfg, env.err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "directory served to clients")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.Framing, "framing", cfg.Framing, "message framing (sentinel, length)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "transfer chunk size in bytes")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "deadline for each receive and send (0 disables)")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "TCP keepalive idle time / QUIC idle timeout")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum concurrent sessions (0 is unbounded)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks the server configuration.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.Root == "" {
		return errors.New("root must not be empty")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max-sessions must not be negative, got %d", c.MaxSessions)
	}
	return validateCommon(c.Transport, c.Framing, c.ChunkSize, c.IOTimeout)
}

// ParseClientConfig parses client configuration from flags and environment
// variables. Flags take precedence over environment variables.
func ParseClientConfig() (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		Addr:        defaultAddr,
		Root:        "client",
		Transport:   string(transport.KindTCP),
		Framing:     wire.FramingSentinel.String(),
		LogLevel:    "info",
		ChunkSize:   defaultChunkSize,
		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,
	}

	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("CLIENT_ROOT", &cfg.Root)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("FRAMING", &cfg.Framing)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.integer("CHUNK_SIZE", &cfg.ChunkSize)
	env.duration("IO_TIMEOUT", &cfg.IOTimeout)
	env.duration("DIAL_TIMEOUT", &cfg.DialTimeout)
	env.duration("KEEPALIVE", &cfg.KeepAlive)
	if env.err != nil {
		return cfg, env.err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "local directory for GET and PUT")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.Framing, "framing", cfg.Framing, "message framing (sentinel, length)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "transfer chunk size in bytes")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "deadline for each receive and send (0 disables)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "connection timeout")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "TCP keepalive idle time / QUIC idle timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Args = fs.Args()

	return cfg, cfg.Validate()
}

// Validate checks the client configuration.
func (c ClientConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.Root == "" {
		return errors.New("root must not be empty")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial-timeout must be positive, got %s", c.DialTimeout)
	}
	return validateCommon(c.Transport, c.Framing, c.ChunkSize, c.IOTimeout)
}

func validateCommon(transportName, framing string, chunkSize int, ioTimeout time.Duration) error {
	if _, err := transport.ParseKind(transportName); err != nil {
		return err
	}
	if _, err := wire.ParseFraming(framing); err != nil {
		return err
	}
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		return fmt.Errorf("chunk-size must be in 1..%d, got %d", maxChunkSize, chunkSize)
	}
	if ioTimeout < 0 {
		return fmt.Errorf("io-timeout must not be negative, got %s", ioTimeout)
	}
	return nil
}

// envReader reads LOCKSTEP_* variables, keeping the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		return
	}
	*dst = d
}
