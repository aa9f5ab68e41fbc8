package bufpool

import (
	"sync"
)

// Pool hands out chunk buffers of one fixed size. Transfers take a buffer
// for their lifetime and return it when the stream ends.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

var (
	sharedMu sync.Mutex
	shared   = make(map[int]*Pool)
)

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() interface{} {
		return make([]byte, bufSize)
	}
	return p
}

// Shared returns the process-wide pool for chunkSize, creating it on first
// use. Sessions with the same chunk size share buffers.
func Shared(chunkSize int) *Pool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	p, ok := shared[chunkSize]
	if !ok {
		p = New(chunkSize)
		shared[chunkSize] = p
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
