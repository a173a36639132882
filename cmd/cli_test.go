package cmd

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login.html":
			require.NoError(t, r.ParseForm())
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "hello "+r.PostForm.Get("username"))
		case "/index.html":
			io.WriteString(w, "index")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestBuildRequest(t *testing.T) {
	req := buildRequest(http.MethodPost, "login.html", "localhost", "a=1", true)
	assert.Equal(t, "POST /login.html HTTP/1.1\r\n"+
		"Host: localhost\r\n"+
		"Connection: keep-alive\r\n"+
		"Content-Type: application/x-www-form-urlencoded\r\n"+
		"Content-Length: 3\r\n\r\na=1", req)

	req = buildRequest(http.MethodGet, "/", "h", "", false)
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", req)
}

func TestClientKeepAlive(t *testing.T) {
	host, port := testServer(t)
	c := NewClient(host, port, time.Second)
	defer c.Close()

	reply, err := c.Do(http.MethodGet, "/index.html", "")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.StatusCode)
	assert.Equal(t, "index", string(reply.Body))
	assert.True(t, c.Connected())

	reply, err = c.Do(http.MethodPost, "/login.html", "username=bob&password=x")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(reply.Body))

	c.keepAlive = false
	reply, err = c.Do(http.MethodGet, "/missing", "")
	require.NoError(t, err)
	assert.Equal(t, 404, reply.StatusCode)
	assert.False(t, c.Connected())
}

func TestCliBatch(t *testing.T) {
	color.NoColor = true
	host, port := testServer(t)

	in := strings.NewReader("get /index.html\n\n2 head /missing\nbogus\nquit\nget /index.html\n")
	var out bytes.Buffer
	cli := NewCli(in, &out)
	require.NoError(t, cli.Run([]string{"-h", host, "-p", strconv.Itoa(port)}))

	text := out.String()
	assert.Contains(t, text, "200 OK")
	assert.Contains(t, text, "\nindex\n")
	assert.Equal(t, 2, strings.Count(text, "404 Not Found"))
	assert.Contains(t, text, "unknown command 'bogus'")
	assert.Equal(t, 1, strings.Count(text, "\nindex\n"), "commands after quit are not run")
}

func TestCliOneShotUsage(t *testing.T) {
	var out bytes.Buffer
	cli := NewCli(strings.NewReader(""), &out)
	err := cli.Run([]string{"connect", "onlyhost"})
	assert.EqualError(t, err, "usage: connect HOST PORT")

	assert.NoError(t, NewCli(strings.NewReader(""), &out).Run([]string{"help", "get"}))
	assert.Contains(t, out.String(), "Request PATH with GET")
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "httpd-cli", Version("httpd-cli", "unknown", "unknown"))
	assert.Equal(t, "httpd-cli (git:abc123-dirty)", Version("httpd-cli", "abc123", "1"))
}
