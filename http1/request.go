package http1

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/fzft/go-reactor-httpd/buffer"
	"github.com/fzft/go-reactor-httpd/store"
)

const (
	MaxHeaderSize = 8192
	MaxBodySize   = 10 * 1024 * 1024
)

var (
	ErrBadRequestLine = errors.New("http1: malformed request line")
	ErrBadHeader      = errors.New("http1: malformed header")
	ErrTooLarge       = errors.New("http1: request too large")
)

// ParseStatus tells the caller whether a whole request was consumed.
type ParseStatus int

const (
	// ParseIncomplete means more bytes are needed; nothing was consumed.
	ParseIncomplete ParseStatus = iota
	// ParseDone means one request was consumed from the buffer.
	ParseDone
)

var crlfcrlf = []byte("\r\n\r\n")

// pages that are served with an implicit .html suffix
var defaultHTML = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"/picture":  {},
}

// form targets that go through the credential store
var formTag = map[string]bool{
	"/register.html": false,
	"/login.html":    true,
}

// Request is one parsed HTTP/1.x request.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers map[string]string
	Body    []byte
	Form    map[string]string

	users store.UserStore
}

// NewRequest returns a request whose POST form handling verifies
// credentials against users. users may be nil.
func NewRequest(users store.UserStore) *Request {
	r := &Request{users: users}
	r.Reset()
	return r
}

// Reset clears every parsed field.
func (r *Request) Reset() {
	r.Method, r.Path, r.Version = "", "", ""
	r.Headers = make(map[string]string)
	r.Body = nil
	r.Form = make(map[string]string)
}

// Parse consumes exactly one request from buf once its headers and body have
// fully arrived. Until then it returns ParseIncomplete and leaves buf as is,
// so a request split across several reads parses the same as the
// concatenated bytes would.
func (r *Request) Parse(buf *buffer.Buffer) (ParseStatus, error) {
	r.Reset()
	data := buf.Peek()

	end := bytes.Index(data, crlfcrlf)
	if end < 0 {
		if len(data) > MaxHeaderSize {
			return ParseIncomplete, ErrTooLarge
		}
		return ParseIncomplete, nil
	}
	if end > MaxHeaderSize {
		return ParseIncomplete, ErrTooLarge
	}

	lines := strings.Split(string(data[:end]), "\r\n")
	if err := r.parseRequestLine(lines[0]); err != nil {
		return ParseIncomplete, err
	}
	for _, line := range lines[1:] {
		if err := r.parseHeader(line); err != nil {
			return ParseIncomplete, err
		}
	}

	bodyLen, err := r.contentLength()
	if err != nil {
		return ParseIncomplete, err
	}
	total := end + len(crlfcrlf) + bodyLen
	if len(data) < total {
		return ParseIncomplete, nil
	}
	if bodyLen > 0 {
		r.Body = make([]byte, bodyLen)
		copy(r.Body, data[end+len(crlfcrlf):total])
	}
	buf.Retrieve(total)

	r.parsePath()
	r.parsePost()
	return ParseDone, nil
}

// IsKeepAlive reports whether the client asked to reuse the connection.
func (r *Request) IsKeepAlive() bool {
	return r.Version == "1.1" && strings.EqualFold(r.Headers["Connection"], "keep-alive")
}

// Header returns the value of key, matched case-insensitively.
func (r *Request) Header(key string) string {
	return r.Headers[textproto.CanonicalMIMEHeaderKey(key)]
}

// PostValue returns the decoded form field key.
func (r *Request) PostValue(key string) string {
	return r.Form[key]
}

func (r *Request) parseRequestLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: %q", ErrBadRequestLine, line)
	}
	version, ok := strings.CutPrefix(parts[2], "HTTP/")
	if !ok || version == "" {
		return fmt.Errorf("%w: %q", ErrBadRequestLine, line)
	}
	r.Method, r.Path, r.Version = parts[0], parts[1], version
	return nil
}

func (r *Request) parseHeader(line string) error {
	key, value, ok := strings.Cut(line, ":")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: %q", ErrBadHeader, line)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))] = strings.TrimSpace(value)
	return nil
}

func (r *Request) contentLength() (int, error) {
	v, ok := r.Headers["Content-Length"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: content-length %q", ErrBadHeader, v)
	}
	if n > MaxBodySize {
		return 0, ErrTooLarge
	}
	return n, nil
}

func (r *Request) parsePath() {
	if u, err := url.ParseRequestURI(r.Path); err == nil && u.Path != "" {
		r.Path = u.Path
	}
	if r.Path == "/" {
		r.Path = "/index.html"
		return
	}
	if _, ok := defaultHTML[r.Path]; ok {
		r.Path += ".html"
	}
}

func (r *Request) parsePost() {
	if r.Method != "POST" || len(r.Body) == 0 {
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Headers["Content-Type"])
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return
	}
	values, err := url.ParseQuery(string(r.Body))
	if err != nil {
		return
	}
	for k := range values {
		r.Form[k] = values.Get(k)
	}

	login, ok := formTag[r.Path]
	if !ok || r.users == nil {
		return
	}
	if r.users.Verify(r.Form["username"], r.Form["password"], login) {
		r.Path = "/welcome.html"
	} else {
		r.Path = "/error.html"
	}
}
