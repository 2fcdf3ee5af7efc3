package proxy

import (
	"fmt"
	"net"
)

const (
	badRequestBody      = "BAD REQUEST"
	blacklistedBody     = "BLACKLISTED HOST"
	bodyTooLargeBody    = "Error: HTTP request too large!"
	connectionEstablish = "HTTP/1.1 200 Connection Established\r\n\r\n"
)

// writeBadRequest sends a canned 400 response with the given plain-text
// body and returns any write error. Server/Content-Type/Content-Length
// are always set the same way; only the body varies by caller.
func writeBadRequest(c net.Conn, body string) error {
	resp := fmt.Sprintf(
		"HTTP/1.1 400 Bad Request\r\n"+
			"Server: Proxy\r\n"+
			"Content-Type: text/plain\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n%s",
		len(body), body,
	)
	_, err := c.Write([]byte(resp))
	return err
}

// writeConnectionEstablished writes the no-body 200 response that marks
// the start of a CONNECT tunnel.
func writeConnectionEstablished(c net.Conn) error {
	_, err := c.Write([]byte(connectionEstablish))
	return err
}

// connectErrorBody formats the body of the 400 sent when resolving or
// connecting to the origin fails.
func connectErrorBody(err error) string {
	return err.Error()
}
