package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/lockstep/internal/client"
	"github.com/sheerbytes/lockstep/internal/server"
	"github.com/sheerbytes/lockstep/internal/store"
	"github.com/sheerbytes/lockstep/internal/transport"
	"github.com/sheerbytes/lockstep/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperations(t *testing.T) {
	ops, err := parseOperations([]string{"get", "a.txt", "PUT", "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, []operation{
		{verb: protocol.VerbGet, name: "a.txt"},
		{verb: protocol.VerbPut, name: "b.txt"},
	}, ops)

	bad := [][]string{
		nil,
		{"get"},
		{"list", "a.txt"},
		{"get", "a.txt", "put"},
		{"get", "two words"},
	}
	for _, args := range bad {
		_, err := parseOperations(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestRunAgainstServer(t *testing.T) {
	serverRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(serverRoot, "a.txt"), []byte("hello"), 0o644))
	serverStore, err := store.NewDir(serverRoot)
	require.NoError(t, err)

	ln, err := transport.Listen(transport.KindTCP, "127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	srv := server.New(serverStore, nil, server.Options{Transport: "tcp"})
	go func() { _ = srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	clientRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(clientRoot, "up.txt"), []byte("data123"), 0o644))
	clientStore, err := store.NewDir(clientRoot)
	require.NoError(t, err)
	c := client.New(clientStore, client.Options{Transport: transport.KindTCP})

	var out bytes.Buffer
	failed := run(context.Background(), c, ln.Addr().String(), []operation{
		{verb: protocol.VerbGet, name: "a.txt"},
		{verb: protocol.VerbGet, name: "missing.txt"},
		{verb: protocol.VerbPut, name: "up.txt"},
	}, &out)

	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "Greetings")
	assert.Contains(t, out.String(), "get a.txt: 5 bytes in 1 chunks")
	assert.Contains(t, out.String(), "File missing.txt Not Found")
	assert.Contains(t, out.String(), "put up.txt: 7 bytes in 1 chunks")
	assert.False(t, c.Connected())

	got, err := os.ReadFile(filepath.Join(serverRoot, "up.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data123", string(got))
}

func TestRunOpenFailure(t *testing.T) {
	c := client.New(store.NewMemory(), client.Options{
		Dial: func(ctx context.Context, addr string) (transport.Conn, error) {
			return nil, os.ErrDeadlineExceeded
		},
	})
	var out bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), c, "nowhere:1", nil, &out))
	assert.Contains(t, out.String(), "open nowhere:1")
}
