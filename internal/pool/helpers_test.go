//go:build !integration

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDialFailed = errors.New("dial failed")

// fakeConn is a physical connection that routes Close through its callback.
type fakeConn struct {
	id     int
	cb     Callback
	closed atomic.Int32
	err    error
}

func (c *fakeConn) CloseConnection() error {
	c.closed.Add(1)
	return c.err
}

func (c *fakeConn) Close() bool {
	return c.cb.Release(c)
}

func (c *fakeConn) isClosed() bool {
	return c.closed.Load() > 0
}

// fakeFactory hands out fakeConns and can be told to fail.
type fakeFactory struct {
	mu       sync.Mutex
	conns    []*fakeConn
	fail     bool
	failFrom int // fail once this many conns exist, 0 disables
	closeErr error
}

func (f *fakeFactory) Create(ctx context.Context, cb Callback) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail || (f.failFrom > 0 && len(f.conns) >= f.failFrom) {
		return nil, errDialFailed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &fakeConn{id: len(f.conns) + 1, cb: cb, err: f.closeErr}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}
