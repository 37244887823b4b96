package httpmsg

import (
	"fmt"
	"html"
)

const (
	titleConnectionRejected = "Gallatin Proxy - Connection Rejected"
	titleResponseFiltered   = "Gallatin Proxy - Response Filtered"
	titleConnectionError    = "Gallatin Proxy - Connection Error"

	// ProxyAgent is advertised on tunnel handshakes.
	ProxyAgent = "Gallatin-Proxy/1.1"
)

// RejectionPage is sent when a connection filter refuses a request. The header
// block is kept byte-for-byte compatible with existing clients, including the
// unusual "Content length" spelling.
func RejectionPage(version, message string) []byte {
	return filterPage(version, titleConnectionRejected, message)
}

// ResponseFilteredPage replaces an origin response that a response filter
// refused.
func ResponseFilteredPage(version, message string) []byte {
	return filterPage(version, titleResponseFiltered, message)
}

func filterPage(version, title, message string) []byte {
	body := "<html><head><title>" + title + "</title></head><body>" + message + "</body></html>"
	return []byte(fmt.Sprintf(
		"HTTP/%s 200 OK\r\nConnection: close\r\nContent length: %d\r\nContent-Type: text/html\r\n\r\n%s",
		version, len(body), body,
	))
}

// ErrorPage is sent when the proxy cannot produce an origin response, for
// example when the upstream cannot be reached.
func ErrorPage(version, message string) []byte {
	body := "<html><head><title>" + titleConnectionError + "</title></head><body>" +
		html.EscapeString(message) + "</body></html>"
	return []byte(fmt.Sprintf(
		"HTTP/%s 502 Bad Gateway\r\nConnection: close\r\nContent-Length: %d\r\nContent-Type: text/html\r\n\r\n%s",
		version, len(body), body,
	))
}

// ConnectionEstablished is the CONNECT handshake reply that precedes tunnel
// bytes.
func ConnectionEstablished(version string) []byte {
	return []byte("HTTP/" + version + " 200 Connection established\r\nProxy-agent: " + ProxyAgent + "\r\n\r\n")
}
