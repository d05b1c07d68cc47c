// Package fetch makes HTTP requests to lookup services and NAS devices through
// an outline-sdk transport, so a device can be reached directly or through a
// proxy such as socks5 or shadowsocks.
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

const (
	defaultTimeout = 5 * time.Second
	// maxBodySize bounds what we read from a device or lookup page.
	maxBodySize = 4 << 20
)

// Request describes a single fetch.
type Request struct {
	// HTTP method to use (default: "GET", or "POST" when Form is set)
	Method string
	URL    string
	// Query parameters merged into URL
	Query url.Values
	// Form body, sent as application/x-www-form-urlencoded
	Form url.Values
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Timeout for the whole exchange (default: 5s)
	Timeout time.Duration
}

// Result contains the response from a fetch request
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client performs fetches over a fixed stream dialer.
type Client struct {
	http *http.Client
}

// NewClient creates a Client for the outline-sdk transport config string.
// An empty config dials directly over TCP.
func NewClient(transportConfig string) (*Client, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialContext,
				TLSHandshakeTimeout: defaultTimeout,
				MaxIdleConnsPerHost: 2,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Do performs req. Any completed HTTP exchange is returned as a Result,
// whatever its status code; only transport failures are errors.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
		if req.Form != nil {
			req.Method = http.MethodPost
		}
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if len(req.Headers) > 0 {
		headerText := strings.Join(req.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				httpReq.Header.Add(name, value)
			}
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// JoinURL appends a relative path to a base address such as
// "http://10.0.0.5:8000/".
func JoinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base address %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base address %q: missing scheme or host", base)
	}
	return u.JoinPath(path).String(), nil
}

// NormalizeBase makes sure a base address ends with a slash.
func NormalizeBase(address string) string {
	address = strings.TrimSpace(address)
	if address == "" || strings.HasSuffix(address, "/") {
		return address
	}
	return address + "/"
}
