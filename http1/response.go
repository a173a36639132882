package http1

import (
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fzft/go-reactor-httpd/buffer"
)

const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var codeStatus = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

var codePath = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// Response builds the status line and headers into a buffer and exposes the
// body as a memory-mapped region that can be sent as a second write vector.
type Response struct {
	code      int
	keepAlive bool
	path      string
	srcDir    string

	file []byte
}

func NewResponse() *Response {
	return &Response{code: -1}
}

// Init prepares the response for path under srcDir. A code of -1 lets
// Generate pick 200, 403 or 404 from the file's status; any other code is
// kept as is.
func (r *Response) Init(srcDir, reqPath string, keepAlive bool, code int) {
	r.Unmap()
	r.code = code
	r.keepAlive = keepAlive
	r.path = path.Clean("/" + reqPath)
	r.srcDir = srcDir
}

// Generate appends the response head, and an inline body when no file can
// be mapped, to buf.
func (r *Response) Generate(buf *buffer.Buffer) {
	if r.code == -1 {
		info, err := os.Stat(r.fullPath())
		switch {
		case err != nil || info.IsDir():
			r.code = 404
		case info.Mode().Perm()&0o004 == 0:
			r.code = 403
		default:
			r.code = 200
		}
	}
	r.errorPage()

	r.addStateLine(buf)
	r.addHeader(buf)
	r.addContent(buf)
}

// File returns the mapped body, or nil when the body is inline.
func (r *Response) File() []byte {
	return r.file
}

// FileLen returns the length of the mapped body.
func (r *Response) FileLen() int {
	return len(r.file)
}

// Code returns the status code chosen by Generate.
func (r *Response) Code() int {
	return r.code
}

// Path returns the path of the served file, after error page substitution.
func (r *Response) Path() string {
	return r.path
}

func (r *Response) fullPath() string {
	return filepath.Join(r.srcDir, filepath.FromSlash(r.path))
}

// errorPage swaps the target for the static page of an error code.
func (r *Response) errorPage() {
	if p, ok := codePath[r.code]; ok {
		r.path = p
	}
}

func (r *Response) addStateLine(buf *buffer.Buffer) {
	status, ok := codeStatus[r.code]
	if !ok {
		r.code = 400
		status = codeStatus[400]
	}
	buf.AppendString("HTTP/1.1 " + strconv.Itoa(r.code) + " " + status + "\r\n")
}

func (r *Response) addHeader(buf *buffer.Buffer) {
	buf.AppendString("Connection: ")
	if r.keepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString("Keep-Alive: max=6, timeout=120\r\n")
	} else {
		buf.AppendString("close\r\n")
	}
	buf.AppendString("Date: " + time.Now().UTC().Format(timeFormat) + "\r\n")
	buf.AppendString("Content-Type: " + contentType(r.path) + "\r\n")
}

func (r *Response) addContent(buf *buffer.Buffer) {
	size, err := r.mapFile()
	if err != nil {
		r.errorContent(buf, "File Not Found!")
		return
	}
	buf.AppendString("Content-Length: " + strconv.FormatInt(size, 10) + "\r\n\r\n")
}

// errorContent writes an inline HTML body for the current code.
func (r *Response) errorContent(buf *buffer.Buffer, message string) {
	status, ok := codeStatus[r.code]
	if !ok {
		status = codeStatus[400]
	}
	body := "<html><title>Error</title>" +
		"<body bgcolor=\"ffffff\">" +
		strconv.Itoa(r.code) + " : " + status + "\n" +
		"<p>" + message + "</p>" +
		"<hr><em>go-reactor-httpd</em></body></html>"

	buf.AppendString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	buf.AppendString(body)
}
