package proxy

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/zaedalbal/HTTP-Proxy/internal/logx"
	"github.com/zaedalbal/HTTP-Proxy/internal/ratelimit"
	"github.com/zaedalbal/HTTP-Proxy/internal/watchdog"
)

// runConnectTunnel establishes an opaque TCP tunnel to host:port on
// behalf of client and relays bytes in both directions, paced by
// limiter, until either side closes or the idle watchdog expires. The
// tunnel never parses traffic after the 200 response is written.
func runConnectTunnel(ctx context.Context, client net.Conn, host, port string, limiter *ratelimit.Limiter, wd *watchdog.Watchdog, log *logx.Logger) {
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()

	wd.SetCallback(cancelDial)
	wd.Start()

	origin, err := new(net.Dialer).DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		wd.Stop()
		if werr := writeBadRequest(client, connectErrorBody(err)); werr != nil {
			log.Debugf("tunnel: writing connect-failure response: %v", werr)
		}
		return
	}
	wd.Refresh()

	if err := writeConnectionEstablished(client); err != nil {
		wd.Stop()
		_ = origin.Close()
		log.Debugf("tunnel: writing 200 response: %v", err)
		return
	}
	wd.Refresh()

	var finished int32
	wd.SetCallback(func() { closeBoth(client, origin, wd, &finished) })

	done := make(chan struct{}, 2)
	go func() {
		_ = pacedCopy(client, origin, limiter, wd, &finished)
		closeBoth(client, origin, wd, &finished)
		done <- struct{}{}
	}()
	go func() {
		_ = pacedCopy(origin, client, limiter, wd, &finished)
		closeBoth(client, origin, wd, &finished)
		done <- struct{}{}
	}()

	<-done
	<-done
}
