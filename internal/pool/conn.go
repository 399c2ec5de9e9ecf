package pool

import "context"

// Conn is a physical connection as seen by the pool. Implementations must be
// comparable (typically a pointer), since entries are looked up by connection
// identity.
type Conn interface {
	// CloseConnection hard-closes the underlying resource. The pool calls it
	// directly on expiry and shrink, never through the Callback.
	CloseConnection() error
}

// Callback is handed to the Factory so that connections can route their own
// lifecycle events back to the group that owns them. Only the current holder
// of a connection may call it; the group cannot tell one checkout of a
// connection from the next.
type Callback interface {
	// Release returns the connection to the pool for potential reuse.
	Release(conn Conn) bool
	// Remove permanently discards the connection from the pool. Closing the
	// physical resource is the caller's responsibility.
	Remove(conn Conn) bool
}

// Factory creates physical connections bound to a Callback.
type Factory interface {
	Create(ctx context.Context, cb Callback) (Conn, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, cb Callback) (Conn, error)

// Create calls f(ctx, cb).
func (f FactoryFunc) Create(ctx context.Context, cb Callback) (Conn, error) {
	return f(ctx, cb)
}

// Sizes are the capacity parameters of a Group.
type Sizes struct {
	// Init is the number of connections created eagerly with the group
	Init int
	// Preferred is the soft target population, 0 means none
	Preferred int
	// Max is the hard cap, 0 means unbounded
	Max int
}

// initial returns how many connections a new group creates up front.
func (s Sizes) initial() int {
	if s.Max > 0 && s.Init > s.Max {
		return s.Max
	}
	if s.Init < 0 {
		return 0
	}
	return s.Init
}
