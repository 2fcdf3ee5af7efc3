package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/zaedalbal/HTTP-Proxy/internal/logx"
	"github.com/zaedalbal/HTTP-Proxy/internal/ratelimit"
	"github.com/zaedalbal/HTTP-Proxy/internal/watchdog"
)

// maxBodyBytes bounds both the request and the response body the
// forwarder will buffer. Connections carrying larger payloads are
// expected to use CONNECT instead.
const maxBodyBytes = 64 * 1024 * 1024

var errBodyTooLarge = errors.New("body exceeds 64 MiB cap")

// runForwarder handles one plain-HTTP request: resolve and connect to
// the origin, normalize the request line, buffer request and response
// in full, and relay both through the pacing limiter. It always leaves
// client and origin closed by the time it returns.
func runForwarder(ctx context.Context, client net.Conn, req *http.Request, host, port string, limiter *ratelimit.Limiter, wd *watchdog.Watchdog, log *logx.Logger) {
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()

	wd.SetCallback(cancelDial)
	wd.Start()

	origin, err := new(net.Dialer).DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		wd.Stop()
		if werr := writeBadRequest(client, connectErrorBody(err)); werr != nil {
			log.Debugf("forwarder: writing connect-failure response: %v", werr)
		}
		return
	}
	wd.Refresh()

	var finished int32
	defer closeBoth(client, origin, wd, &finished)

	normalizeRequestTarget(req)

	reqBody, err := readCapped(req.Body, maxBodyBytes)
	if err != nil {
		wd.Stop()
		if errors.Is(err, errBodyTooLarge) {
			_ = writeBadRequest(client, bodyTooLargeBody)
		} else {
			log.Debugf("forwarder: reading request body: %v", err)
			_ = writeBadRequest(client, badRequestBody)
		}
		return
	}
	reqBytes, err := serializeRequest(req, reqBody)
	if err != nil {
		log.Debugf("forwarder: serializing request: %v", err)
		wd.Stop()
		return
	}

	wd.SetCallback(func() { closeBoth(client, origin, wd, &finished) })

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pacedWrite(origin, reqBytes, limiter, wd, &finished)
	})
	g.Go(func() error {
		resp, respBody, err := readCappedResponse(origin, req, maxBodyBytes)
		if err != nil {
			return err
		}
		respBytes, err := serializeResponse(resp, respBody)
		if err != nil {
			return err
		}
		return pacedWrite(client, respBytes, limiter, wd, &finished)
	})

	if err := g.Wait(); err != nil {
		log.Debugf("forwarder: relay ended: %v", err)
	}
}

// normalizeRequestTarget rewrites an absolute-URI request target (as
// produced by a client talking to a proxy) into origin form, operating
// on the already-parsed URL rather than re-splitting the raw string. This
// handles userinfo-bearing authorities (user:pw@host) correctly, since
// url.Parse already separated them out.
func normalizeRequestTarget(req *http.Request) {
	if req.URL.IsAbs() {
		req.URL.Scheme = ""
		req.URL.Opaque = ""
		req.URL.User = nil
		req.URL.Host = ""
	}
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}
	req.Header.Del("Proxy-Connection")
}

// readCapped reads all of r, failing with errBodyTooLarge if more than
// max bytes are present. A nil r yields a nil, non-error result.
func readCapped(r io.ReadCloser, max int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// serializeRequest renders req, with its body replaced by the
// already-capped bytes in full, into a single contiguous buffer so the
// pacing loop can shape it uniformly.
func serializeRequest(req *http.Request, body []byte) ([]byte, error) {
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil
	req.Body = io.NopCloser(bytes.NewReader(body))

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readCappedResponse reads one HTTP response from origin, capping its
// body at max bytes.
func readCappedResponse(origin net.Conn, req *http.Request, max int64) (*http.Response, []byte, error) {
	resp, err := http.ReadResponse(bufio.NewReader(origin), req)
	if err != nil {
		return nil, nil, err
	}
	body, err := readCapped(resp.Body, max)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// serializeResponse renders resp, with its body replaced by the
// already-capped bytes in full, into a single contiguous buffer.
func serializeResponse(resp *http.Response, body []byte) ([]byte, error) {
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var buf bytes.Buffer
	if err := resp.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
