package bufpool

import (
	"testing"
)

func TestPool_GetPut(t *testing.T) {
	bufSize := 1024
	pool := New(bufSize)

	buf1 := pool.Get()
	if len(buf1) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(buf1))
	}
	pool.Put(buf1)

	buf2 := pool.Get()
	if len(buf2) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(buf2))
	}
	if pool.BufSize() != bufSize {
		t.Errorf("expected BufSize %d, got %d", bufSize, pool.BufSize())
	}
}

func TestPool_TooSmallBuffer(t *testing.T) {
	pool := New(4096)

	// Dropped rather than handed out short.
	pool.Put(make([]byte, 1024))

	if buf := pool.Get(); len(buf) != 4096 {
		t.Errorf("expected buffer length 4096, got %d", len(buf))
	}
}

func TestPool_ResliceAfterShortPut(t *testing.T) {
	pool := New(512)
	buf := pool.Get()
	pool.Put(buf[:10])

	if got := pool.Get(); len(got) != 512 {
		t.Errorf("expected buffer length 512, got %d", len(got))
	}
}

func TestShared_SameSizeSamePool(t *testing.T) {
	a := Shared(1024)
	b := Shared(1024)
	c := Shared(2048)

	if a != b {
		t.Error("expected Shared to return the same pool for equal sizes")
	}
	if a == c {
		t.Error("expected distinct pools for distinct sizes")
	}
	if c.BufSize() != 2048 {
		t.Errorf("expected BufSize 2048, got %d", c.BufSize())
	}
}

func TestPool_PanicOnZeroSize(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for zero bufSize")
		}
	}()
	New(0)
}
