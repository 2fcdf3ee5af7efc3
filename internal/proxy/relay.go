package proxy

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/zaedalbal/HTTP-Proxy/internal/ratelimit"
	"github.com/zaedalbal/HTTP-Proxy/internal/watchdog"
)

// relayBufferSize is the per-direction read buffer. 16184 matches the
// size used by the system this proxy replaces; any power-of-two near it
// would do just as well.
const relayBufferSize = 16184

// tokenWaitInterval is how long a direction sleeps after an Acquire that
// returned 0, before trying again.
const tokenWaitInterval = 10 * time.Millisecond

// pacedCopy relays src into dst, a chunk at a time through limiter, for
// as long as finished stays clear. Used by the CONNECT tunnel, where
// both directions are live sockets and no request/response framing
// applies. It refreshes wd after every successful read and after every
// paced write, and checks finished at the top of the loop, between
// reads, and before every paced write.
func pacedCopy(src, dst net.Conn, limiter *ratelimit.Limiter, wd *watchdog.Watchdog, finished *int32) error {
	buf := make([]byte, relayBufferSize)
	for {
		if atomic.LoadInt32(finished) != 0 {
			return nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			wd.Refresh()
			if werr := pacedWrite(dst, buf[:n], limiter, wd, finished); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// pacedWrite sends the full contents of p to dst, one limiter-gated
// chunk at a time, sleeping tokenWaitInterval whenever Acquire returns
// 0. Used both by pacedCopy (one read's worth of bytes) and by the HTTP
// forwarder (a fully-buffered request or response). Stops early, without
// error, if finished is set by another goroutine mid-send.
func pacedWrite(dst net.Conn, p []byte, limiter *ratelimit.Limiter, wd *watchdog.Watchdog, finished *int32) error {
	off := 0
	for off < len(p) {
		if atomic.LoadInt32(finished) != 0 {
			return nil
		}
		allowed := limiter.Acquire(len(p) - off)
		if allowed == 0 {
			time.Sleep(tokenWaitInterval)
			continue
		}
		m, err := writeAll(dst, p[off:off+allowed])
		off += m
		if err != nil {
			return err
		}
		wd.Refresh()
	}
	return nil
}

// writeAll writes all of p to w, returning the number of bytes actually
// written before any error.
func writeAll(w net.Conn, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// closeBoth is the shared, idempotent teardown for a session's pair of
// sockets: stop the watchdog, half-close then close both ends, ignoring
// every error along the way. Guarded by a test-and-set on finished so it
// runs at most once regardless of how many callers race into it.
func closeBoth(client, origin net.Conn, wd *watchdog.Watchdog, finished *int32) {
	if !atomic.CompareAndSwapInt32(finished, 0, 1) {
		return
	}
	wd.Stop()
	shutdown(client)
	if origin != nil {
		shutdown(origin)
	}
	_ = client.Close()
	if origin != nil {
		_ = origin.Close()
	}
}

// shutdown half-closes c in both directions where the underlying
// connection type supports it (TCP sockets do); any error is ignored,
// matching the teardown path's unconditional best-effort semantics. The
// client side of a session is always a *bufferedConn, whose own method
// set only promotes net.Conn, so the half-close type assertion is tried
// against its embedded conn as well.
func shutdown(c net.Conn) {
	type closeReadWriter interface {
		CloseRead() error
		CloseWrite() error
	}
	if bc, ok := c.(*bufferedConn); ok {
		c = bc.Conn
	}
	if rw, ok := c.(closeReadWriter); ok {
		_ = rw.CloseRead()
		_ = rw.CloseWrite()
	}
}
