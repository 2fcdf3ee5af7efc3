// Package proxy implements the per-connection proxy session: reading
// the first request, classifying it, and dispatching to either the
// plain-HTTP forwarder or the CONNECT tunnel.
package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zaedalbal/HTTP-Proxy/internal/classify"
	"github.com/zaedalbal/HTTP-Proxy/internal/logx"
	"github.com/zaedalbal/HTTP-Proxy/internal/ratelimit"
	"github.com/zaedalbal/HTTP-Proxy/internal/watchdog"
)

// requestBufferSize bounds how much of the client's first request line
// and headers the session will buffer before giving up and treating it
// as unparseable.
const requestBufferSize = 64 * 1024

// Deps carries everything a session needs that outlives the session
// itself: the shared limiter registry, the current blacklist, the idle
// timeout, the active-connection counter, and the logger.
type Deps struct {
	Registry *ratelimit.Registry

	// Blacklist, if non-nil, is called once per session to get the
	// current blacklist snapshot. A thin closure rather than an
	// interface so this package need not depend on blacklist's concrete
	// *Set return type matching classify.HostLookup exactly.
	Blacklist func() classify.HostLookup

	WatchdogInterval  time.Duration
	ActiveConnections *int64
	Logger            *logx.Logger
}

// HandleConnection runs one session to completion: it always returns
// with client closed, regardless of how the session ends. A panic
// inside a handler is recovered and logged so that one broken session
// never takes the listener down with it.
func HandleConnection(ctx context.Context, client net.Conn, deps Deps) {
	defer client.Close()

	sessionID := uuid.NewString()
	log := deps.Logger.WithField("session", sessionID)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("session: recovered from panic: %v", r)
		}
	}()

	ip := clientIP(client)
	log = log.WithField("client_ip", ip)

	handle, err := deps.Registry.GetOrCreate(ip)
	if err != nil {
		log.Errorf("session: acquiring limiter: %v", err)
		return
	}
	defer handle.Release()

	bufReader := bufio.NewReaderSize(client, requestBufferSize)
	req, err := http.ReadRequest(bufReader)
	if err != nil {
		_ = writeBadRequest(client, badRequestBody)
		return
	}

	var lookup classify.HostLookup
	if deps.Blacklist != nil {
		lookup = deps.Blacklist()
	}
	result := classify.Request(req, lookup)
	if result.Blacklisted {
		log.Infof("session: rejected blacklisted host %s", result.Host)
		_ = writeBadRequest(client, blacklistedBody)
		return
	}

	// bufReader may already hold bytes the client sent past the first
	// request (pipelined TLS ClientHello bytes on a CONNECT, a second
	// pipelined request on keep-alive). Wrapping client so its Read goes
	// through bufReader first keeps those bytes in order for whichever
	// handler takes over, instead of losing them to the bufio.Reader's
	// internal buffer.
	conn := &bufferedConn{Conn: client, r: bufReader}

	wd := watchdog.New(deps.WatchdogInterval, nil)
	log = log.WithField("host", result.Host).WithField("port", result.Port)

	if result.IsConnect {
		log.Tracef("session: CONNECT %s:%s", result.Host, result.Port)
		runConnectTunnel(ctx, conn, result.Host, result.Port, handle.Limiter(), wd, log)
	} else {
		log.Tracef("session: %s %s", req.Method, req.URL)
		runForwarder(ctx, conn, req, result.Host, result.Port, handle.Limiter(), wd, log)
	}
}

// clientIP extracts the host portion of client's remote address,
// falling back to the full address string if it cannot be split (e.g.
// a non-TCP net.Conn used in tests).
func clientIP(client net.Conn) string {
	host, _, err := net.SplitHostPort(client.RemoteAddr().String())
	if err != nil {
		return client.RemoteAddr().String()
	}
	return host
}

// bufferedConn lets a handler keep reading through the bufio.Reader that
// consumed the client's first request, so no already-buffered byte is
// dropped when a CONNECT tunnel or forwarder takes over raw reads.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
