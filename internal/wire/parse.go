package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"
	"strings"
)

// Default parser limits.
const (
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodyBytes   = 10 << 20
)

// Limits bounds what ReadRequest will buffer.
type Limits struct {
	MaxHeaderBytes int   // request line plus header block
	MaxBodyBytes   int64 // decoded body
}

func (l Limits) withDefaults() Limits {
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return l
}

// ParseError reports a malformed or oversized request.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed request: %s: %v", e.Reason, e.Err)
	}
	return "malformed request: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(reason string, err error) error {
	return &ParseError{Reason: reason, Err: err}
}

// ReadRequest reads exactly one request from br. It returns io.EOF when the
// peer closed the connection before sending anything; every other failure is a
// *ParseError.
func ReadRequest(br *bufio.Reader, lim Limits) (*Request, error) {
	lim = lim.withDefaults()
	budget := lim.MaxHeaderBytes

	line, err := readLine(br, &budget)
	if err != nil {
		if errors.Is(err, io.EOF) && line == nil {
			return nil, io.EOF
		}
		return nil, parseErr("request line", err)
	}
	// Tolerate stray blank lines ahead of the request line.
	for len(line) == 0 {
		if line, err = readLine(br, &budget); err != nil {
			return nil, parseErr("request line", err)
		}
	}

	method, target, proto, ok := splitRequestLine(string(line))
	if !ok {
		return nil, parseErr(fmt.Sprintf("invalid request line %q", line), nil)
	}

	header := Header{}
	for {
		line, err = readLine(br, &budget)
		if err != nil {
			return nil, parseErr("header block", err)
		}
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, parseErr("obsolete header folding", nil)
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return nil, parseErr(fmt.Sprintf("invalid header line %q", line), nil)
		}
		name := string(line[:i])
		if !isToken(name) {
			return nil, parseErr(fmt.Sprintf("invalid header name %q", name), nil)
		}
		header.Add(name, strings.TrimSpace(string(line[i+1:])))
	}

	body, err := readBody(br, header, lim.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	return NewRequest(method, target, proto, header, body), nil
}

// readLine returns one line without its terminator, charging its length
// against budget. Bare LF terminators are accepted.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return nil, errors.New("header section too large")
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return line, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func splitRequestLine(line string) (method, target, proto string, ok bool) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", "", "", false
	}
	method, target, proto = parts[0], parts[1], parts[2]
	if !isToken(method) || target == "" {
		return "", "", "", false
	}
	if target[0] != '/' && target != "*" {
		return "", "", "", false
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return "", "", "", false
	}
	return method, target, proto, true
}

func readBody(br *bufio.Reader, h Header, max int64) ([]byte, error) {
	te := h.Get("Transfer-Encoding")
	cl := h.Values("Content-Length")

	if te != "" {
		if len(cl) > 0 {
			return nil, parseErr("both Content-Length and Transfer-Encoding present", nil)
		}
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return nil, parseErr(fmt.Sprintf("unsupported transfer coding %q", te), nil)
		}
		body, err := io.ReadAll(io.LimitReader(httputil.NewChunkedReader(br), max+1))
		if err != nil {
			return nil, parseErr("chunked body", err)
		}
		if int64(len(body)) > max {
			return nil, parseErr("body too large", nil)
		}
		return body, nil
	}

	if len(cl) == 0 {
		return nil, nil
	}
	for _, v := range cl[1:] {
		if v != cl[0] {
			return nil, parseErr("conflicting Content-Length values", nil)
		}
	}
	n, err := strconv.ParseInt(cl[0], 10, 64)
	if err != nil || n < 0 {
		return nil, parseErr(fmt.Sprintf("invalid Content-Length %q", cl[0]), err)
	}
	if n > max {
		return nil, parseErr("body too large", nil)
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, parseErr("short body", err)
	}
	return body, nil
}

// isToken reports whether s is a non-empty RFC 7230 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
