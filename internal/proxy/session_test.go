package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/zaedalbal/HTTP-Proxy/internal/classify"
	"github.com/zaedalbal/HTTP-Proxy/internal/logx"
	"github.com/zaedalbal/HTTP-Proxy/internal/ratelimit"
)

func testDeps(t *testing.T, lookup func() classify.HostLookup, timeout time.Duration) Deps {
	t.Helper()
	var active int64
	return Deps{
		Registry:          ratelimit.NewRegistry(1<<30, &active),
		Blacklist:         lookup,
		WatchdogInterval:  timeout,
		ActiveConnections: &active,
		Logger:            logx.New(logx.Config{Level: logx.ErrorLevel, Output: io.Discard}),
	}
}

// startEchoOrigin starts a plain TCP server that answers every request
// with a fixed HTTP response, for the plain-HTTP forwarding path.
func startEchoOrigin(t *testing.T, body string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = http.ReadRequest(bufio.NewReader(c))
				resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				_, _ = c.Write([]byte(resp))
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// startTunnelOrigin starts a plain TCP server that echoes every byte it
// receives back to the sender, for the CONNECT tunnel path.
func startTunnelOrigin(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestSessionForwardsPlainHTTPRequest(t *testing.T) {
	originAddr, stopOrigin := startEchoOrigin(t, "hello from origin")
	defer stopOrigin()

	client, server := net.Pipe()
	defer client.Close()

	deps := testDeps(t, nil, time.Second)
	done := make(chan struct{})
	go func() {
		HandleConnection(context.Background(), server, deps)
		close(done)
	}()

	req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", originAddr)
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from origin" {
		t.Fatalf("got body %q", body)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionEstablishesConnectTunnel(t *testing.T) {
	originAddr, stopOrigin := startTunnelOrigin(t)
	defer stopOrigin()

	client, server := net.Pipe()
	defer client.Close()

	deps := testDeps(t, nil, time.Second)
	done := make(chan struct{})
	go func() {
		HandleConnection(context.Background(), server, deps)
		close(done)
	}()

	if _, err := client.Write([]byte(fmt.Sprintf("CONNECT %s HTTP/1.1\r\n\r\n", originAddr))); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", statusLine)
	}
	blank, _ := reader.ReadString('\n')
	if blank != "\r\n" {
		t.Fatalf("expected blank line terminator, got %q", blank)
	}

	payload := []byte("tunnel payload")
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(reader, echoed); err != nil {
		t.Fatalf("reading echoed payload: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("got %q, want %q", echoed, payload)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after client close")
	}
}

type fakeLookup struct{ blocked string }

func (f fakeLookup) Contains(host string) bool { return host == f.blocked }

func TestSessionRejectsBlacklistedHost(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	deps := testDeps(t, func() classify.HostLookup { return fakeLookup{blocked: "bad.example.com"} }, time.Second)
	done := make(chan struct{})
	go func() {
		HandleConnection(context.Background(), server, deps)
		close(done)
	}()

	req := "GET / HTTP/1.1\r\nHost: bad.example.com\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != blacklistedBody {
		t.Fatalf("got body %q", body)
	}

	<-done
}

func TestSessionRejectsUnparseableRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	deps := testDeps(t, nil, time.Second)
	done := make(chan struct{})
	go func() {
		HandleConnection(context.Background(), server, deps)
		close(done)
	}()

	if _, err := client.Write([]byte("not even close to an http request\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != badRequestBody {
		t.Fatalf("got body %q", body)
	}

	<-done
}

func TestIdleTunnelClosesAfterWatchdogExpiry(t *testing.T) {
	originAddr, stopOrigin := startTunnelOrigin(t)
	defer stopOrigin()

	client, server := net.Pipe()
	defer client.Close()

	deps := testDeps(t, nil, 50*time.Millisecond)
	done := make(chan struct{})
	go func() {
		HandleConnection(context.Background(), server, deps)
		close(done)
	}()

	if _, err := client.Write([]byte(fmt.Sprintf("CONNECT %s HTTP/1.1\r\n\r\n", originAddr))); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(client)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading blank line: %v", err)
	}

	// Neither side sends anything further; the idle watchdog should
	// close both sockets and the client's read should observe EOF.
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := reader.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after idle timeout, got %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after idle timeout")
	}
}
