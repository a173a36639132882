package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client speaks HTTP/1.1 over one TCP connection and reconnects lazily
// after the server closes it.
type Client struct {
	host      string
	port      int
	keepAlive bool
	timeout   time.Duration

	conn net.Conn
	r    *bufio.Reader
}

// Reply is one decoded response.
type Reply struct {
	Status     string
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

func NewClient(host string, port int, timeout time.Duration) *Client {
	return &Client{host: host, port: port, keepAlive: true, timeout: timeout}
}

func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Client) Connected() bool {
	return c.conn != nil
}

// Connect dials the server. An open connection is closed first when force
// is set and reused otherwise.
func (c *Client) Connect(force bool) error {
	if c.conn != nil {
		if !force {
			return nil
		}
		c.Close()
	}
	conn, err := net.DialTimeout("tcp", c.Addr(), c.timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.Addr(), err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn, c.r = nil, nil
	}
}

// Do sends one request and reads its response. The connection is dropped
// when either side asked for it to be closed.
func (c *Client) Do(method, path, form string) (*Reply, error) {
	if err := c.Connect(false); err != nil {
		return nil, err
	}
	start := time.Now()
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(start.Add(c.timeout))
	}

	if _, err := io.WriteString(c.conn, buildRequest(method, path, c.host, form, c.keepAlive)); err != nil {
		c.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(c.r, nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Close()
		return nil, err
	}

	if !c.keepAlive || resp.Close {
		c.Close()
	}
	return &Reply{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    time.Since(start),
	}, nil
}

func buildRequest(method, path, host, form string, keepAlive bool) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&sb, "Host: %s\r\n", host)
	if keepAlive {
		sb.WriteString("Connection: keep-alive\r\n")
	} else {
		sb.WriteString("Connection: close\r\n")
	}
	if method == http.MethodPost {
		sb.WriteString("Content-Type: application/x-www-form-urlencoded\r\n")
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(form))
	}
	sb.WriteString("\r\n")
	sb.WriteString(form)
	return sb.String()
}
