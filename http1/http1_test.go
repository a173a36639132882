package http1

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fzft/go-reactor-httpd/buffer"
	"github.com/fzft/go-reactor-httpd/store"
)

const getIndex = "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n"

func bufferOf(s string) *buffer.Buffer {
	b := buffer.New(64)
	b.AppendString(s)
	return b
}

func TestParseSimpleGet(t *testing.T) {
	req := NewRequest(nil)
	buf := bufferOf(getIndex)

	status, err := req.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, ParseDone, status)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, "1.1", req.Version)
	assert.Equal(t, "localhost", req.Header("host"))
	assert.True(t, req.IsKeepAlive())
	assert.Equal(t, 0, buf.ReadableLen())
}

func TestParseIncompleteConsumesNothing(t *testing.T) {
	req := NewRequest(nil)
	buf := bufferOf("GET /login HTTP/1.1\r\nHost: x\r\n")

	status, err := req.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, ParseIncomplete, status)
	assert.Equal(t, len("GET /login HTTP/1.1\r\nHost: x\r\n"), buf.ReadableLen())

	buf.AppendString("\r\n")
	status, err = req.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, ParseDone, status)
	assert.Equal(t, "/login.html", req.Path)
	assert.False(t, req.IsKeepAlive())
}

func TestParseWaitsForBody(t *testing.T) {
	req := NewRequest(nil)
	head := "POST /echo HTTP/1.1\r\nContent-Length: 11\r\n\r\n"
	buf := bufferOf(head + "hello")

	status, err := req.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, ParseIncomplete, status)

	buf.AppendString(" world")
	status, err = req.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, ParseDone, status)
	assert.Equal(t, "hello world", string(req.Body))
}

func TestParseLeavesNextRequest(t *testing.T) {
	req := NewRequest(nil)
	buf := bufferOf(getIndex + "GET /video HTTP/1.1\r\n\r\n")

	_, err := req.Parse(buf)
	require.NoError(t, err)
	status, err := req.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, ParseDone, status)
	assert.Equal(t, "/video.html", req.Path)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"two fields", "GET /\r\n\r\n", ErrBadRequestLine},
		{"no version prefix", "GET / FTP/1.0\r\n\r\n", ErrBadRequestLine},
		{"header without colon", "GET / HTTP/1.1\r\nbroken\r\n\r\n", ErrBadHeader},
		{"bad length", "GET / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", ErrBadHeader},
		{"huge head", "GET / HTTP/1.1\r\nX: " + strings.Repeat("a", MaxHeaderSize+1), ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(nil).Parse(bufferOf(tt.input))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPostFormGoesThroughStore(t *testing.T) {
	users := store.NewMemoryStoreCost(bcrypt.MinCost)
	body := "username=alice&password=p%40ss+word"
	raw := "POST /register HTTP/1.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded; charset=UTF-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	req := NewRequest(users)
	_, err := req.Parse(bufferOf(raw))
	require.NoError(t, err)
	assert.Equal(t, "p@ss word", req.PostValue("password"))
	assert.Equal(t, "/welcome.html", req.Path)
	assert.True(t, users.Verify("alice", "p@ss word", true))

	login := strings.Replace(raw, "/register", "/login", 1)
	login = strings.Replace(login, "p%40ss+word", "wrong%21xxx", 1)
	_, err = req.Parse(bufferOf(login))
	require.NoError(t, err)
	assert.Equal(t, "/error.html", req.Path)
}

func writeFile(t *testing.T, dir, name, content string, perm os.FileMode) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), perm))
	require.NoError(t, os.Chmod(p, perm))
}

func TestGenerateMapsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<h1>hi</h1>", 0o644)

	resp := NewResponse()
	resp.Init(dir, "/index.html", true, -1)
	buf := buffer.New(128)
	resp.Generate(buf)
	defer resp.Unmap()

	head := buf.ReadAllAsString()
	assert.Equal(t, 200, resp.Code())
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, head, "Connection: keep-alive\r\n")
	assert.Contains(t, head, "Content-Type: text/html\r\n")
	assert.True(t, strings.HasSuffix(head, "Content-Length: 11\r\n\r\n"))
	assert.Equal(t, "<h1>hi</h1>", string(resp.File()))
}

func TestGenerateMissingFileInlineBody(t *testing.T) {
	resp := NewResponse()
	resp.Init(t.TempDir(), "/nope.html", false, -1)
	buf := buffer.New(128)
	resp.Generate(buf)

	out := buf.ReadAllAsString()
	assert.Equal(t, 404, resp.Code())
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n"))
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "File Not Found!")
	assert.Nil(t, resp.File())
}

func TestGenerateServesErrorPage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "404.html", "custom 404", 0o644)
	writeFile(t, dir, "secret.html", "top secret", 0o600)

	resp := NewResponse()
	resp.Init(dir, "/missing", false, -1)
	resp.Generate(buffer.New(64))
	assert.Equal(t, 404, resp.Code())
	assert.Equal(t, "custom 404", string(resp.File()))
	resp.Unmap()

	buf := buffer.New(64)
	resp.Init(dir, "/secret.html", false, -1)
	resp.Generate(buf)
	assert.Equal(t, 403, resp.Code())
	assert.Contains(t, buf.ReadAllAsString(), "HTTP/1.1 403 Forbidden")
}

func TestGenerateKeepsPresetBadRequest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "x", 0o644)

	resp := NewResponse()
	resp.Init(dir, "/index.html", false, 400)
	buf := buffer.New(64)
	resp.Generate(buf)
	assert.Equal(t, 400, resp.Code())
	assert.Contains(t, buf.ReadAllAsString(), "HTTP/1.1 400 Bad Request")
}

func TestPathTraversalStaysInRoot(t *testing.T) {
	resp := NewResponse()
	resp.Init("/srv/www", "/../../etc/passwd", false, -1)
	assert.Equal(t, "/srv/www/etc/passwd", resp.fullPath())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/css", contentType("/a/b.css"))
	assert.Equal(t, "image/jpeg", contentType("/x.JPG"))
	assert.Equal(t, "text/plain", contentType("/noext"))
}
