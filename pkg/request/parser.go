// Package request implements the incremental HTTP/1.1 request parser. The
// parser is a byte-driven state machine: callers feed it arbitrary slices of
// the inbound stream and it advances one byte at a time, so request framing
// never depends on how the transport fragments the data.
package request

import (
	"strconv"
	"strings"
)

// Status is the coarse parser state visible to the connection layer.
type Status int

const (
	// StatusInProgress means more bytes are needed.
	StatusInProgress Status = iota
	// StatusDone means a full request was accepted.
	StatusDone
	// StatusCgiProcessing means the accepted request was handed to a CGI
	// session and the connection is waiting on the child process.
	StatusCgiProcessing
	// StatusError means the stream was rejected; ErrorCode carries the
	// response status.
	StatusError
)

// state is the internal machine state. The set is closed: every transition
// lands on one of these.
type state int

const (
	stateStart state = iota
	stateRestart
	stateMethod
	stateSpBeforeURI
	stateURI
	stateQuery
	stateFragment
	stateSpBeforeVersion
	stateVersion
	stateRequestLineEnd
	stateHeaderName
	stateHeaderColon
	stateHeaderValue
	stateHeaderCR
	stateHeaderLF
	stateHeaderEnd
	stateHex
	stateHexEnd
	stateChunk
	stateChunkEnd
	stateBody
	stateBodyLF
	stateMessageEnd
	stateDone
	stateError
	stateCgiProcessing
)

// maxHexDigits caps a chunk-size line; 8 hex digits already describe 4 GiB.
const maxHexDigits = 8

// maxMethodLen is the longest accepted method ("DELETE").
const maxMethodLen = 6

// parseError aborts parsing with the HTTP status the caller should answer.
type parseError int

func (e parseError) Error() string { return "http " + strconv.Itoa(int(e)) }

// Parser consumes request bytes and exposes the parsed request once Feed
// reports StatusDone. A Parser handles exactly one request; the connection
// builds a fresh one on keep-alive reset.
type Parser struct {
	state state

	method  strings.Builder
	target  strings.Builder
	query   strings.Builder
	version strings.Builder
	headers map[string]string
	body    []byte

	curName  strings.Builder
	curValue strings.Builder

	headerLength int
	headerCap    int
	bodyCap      int64

	expectedBodyLen int64
	chunkSize       int64
	chunkRead       int64
	hexLine         strings.Builder

	errCode int
}

// New returns a parser enforcing the given header-section and body caps.
func New(headerCap int, bodyCap int64) *Parser {
	return &Parser{
		state:     stateStart,
		headers:   make(map[string]string),
		headerCap: headerCap,
		bodyCap:   bodyCap,
	}
}

// Feed consumes data byte by byte. Once the parser reaches a terminal state
// further input is ignored.
func (p *Parser) Feed(data []byte) Status {
	for _, c := range data {
		if p.state == stateDone || p.state == stateError || p.state == stateCgiProcessing {
			return p.Status()
		}
		if err := p.step(c); err != nil {
			p.fail(err)
			return StatusError
		}
		if p.headerLength > p.headerCap {
			p.fail(parseError(413))
			return StatusError
		}
	}
	return p.Status()
}

func (p *Parser) fail(err error) {
	p.state = stateError
	if pe, ok := err.(parseError); ok {
		p.errCode = int(pe)
	} else {
		p.errCode = 400
	}
}

func (p *Parser) step(c byte) error {
	switch p.state {
	case stateStart:
		return p.stepStart(c)
	case stateRestart:
		return p.stepRestart(c)
	case stateMethod:
		p.headerLength++
		return p.stepMethod(c)
	case stateSpBeforeURI:
		p.headerLength++
		return p.stepSpBeforeURI(c)
	case stateURI:
		p.headerLength++
		return p.stepURI(c)
	case stateQuery:
		p.headerLength++
		return p.stepQuery(c)
	case stateFragment:
		p.headerLength++
		return p.stepFragment(c)
	case stateSpBeforeVersion:
		p.headerLength++
		return p.stepSpBeforeVersion(c)
	case stateVersion:
		p.headerLength++
		return p.stepVersion(c)
	case stateRequestLineEnd:
		p.headerLength++
		return p.stepRequestLineEnd(c)
	case stateHeaderName:
		p.headerLength++
		return p.stepHeaderName(c)
	case stateHeaderColon:
		p.headerLength++
		return p.stepHeaderColon(c)
	case stateHeaderValue:
		p.headerLength++
		return p.stepHeaderValue(c)
	case stateHeaderCR:
		p.headerLength++
		return p.stepHeaderCR(c)
	case stateHeaderLF:
		p.headerLength++
		return p.stepHeaderLF(c)
	case stateHeaderEnd:
		p.headerLength++
		return p.stepHeaderEnd(c)
	case stateHex:
		return p.stepHex(c)
	case stateHexEnd:
		return p.stepHexEnd(c)
	case stateChunk:
		return p.stepChunk(c)
	case stateChunkEnd:
		return p.stepChunkEnd(c)
	case stateBody:
		return p.stepBody(c)
	case stateBodyLF:
		return p.stepBodyLF(c)
	case stateMessageEnd:
		return p.stepMessageEnd(c)
	}
	return parseError(400)
}

func (p *Parser) stepStart(c byte) error {
	switch {
	case c == '\r':
		// Tolerate a stray CRLF before the request line.
		p.state = stateRestart
	case c >= 'A' && c <= 'Z':
		// Any method token is accumulated; whether it is one the server
		// implements is decided once the token is complete.
		p.headerLength++
		p.method.WriteByte(c)
		p.state = stateMethod
	default:
		return parseError(400)
	}
	return nil
}

func (p *Parser) stepRestart(c byte) error {
	if c != '\n' {
		return parseError(400)
	}
	p.state = stateStart
	return nil
}

func (p *Parser) stepMethod(c byte) error {
	if p.method.Len() > maxMethodLen {
		return parseError(405)
	}
	switch {
	case c >= 'A' && c <= 'Z':
		p.method.WriteByte(c)
	case c == ' ':
		switch p.method.String() {
		case "GET", "POST", "DELETE":
			p.state = stateSpBeforeURI
		default:
			return parseError(405)
		}
	default:
		return parseError(405)
	}
	return nil
}

func (p *Parser) stepSpBeforeURI(c byte) error {
	switch {
	case c == ' ':
	case c == '/':
		p.target.WriteByte(c)
		p.state = stateURI
	default:
		return parseError(400)
	}
	return nil
}

func (p *Parser) stepURI(c byte) error {
	switch {
	case c < 32 || c >= 127:
		return parseError(400)
	case c == ' ':
		p.state = stateSpBeforeVersion
	case c == '?':
		p.state = stateQuery
	case c == '#':
		p.state = stateFragment
	default:
		p.target.WriteByte(c)
	}
	return nil
}

func (p *Parser) stepQuery(c byte) error {
	switch {
	case c < 32 || c >= 127:
		return parseError(400)
	case c == ' ':
		p.state = stateSpBeforeVersion
	case c == '#':
		p.state = stateFragment
	default:
		p.query.WriteByte(c)
	}
	return nil
}

func (p *Parser) stepFragment(c byte) error {
	// The fragment is never sent to the server by conforming clients; when
	// one shows up anyway it is consumed and dropped.
	switch {
	case c < 32 || c >= 127:
		return parseError(400)
	case c == ' ':
		p.state = stateSpBeforeVersion
	}
	return nil
}

func (p *Parser) stepSpBeforeVersion(c byte) error {
	switch {
	case c == ' ':
	case c == 'H':
		p.version.WriteByte(c)
		p.state = stateVersion
	default:
		return parseError(400)
	}
	return nil
}

func (p *Parser) stepVersion(c byte) error {
	if c == '\r' {
		v := p.version.String()
		if v == "HTTP/1.1" {
			p.state = stateRequestLineEnd
			return nil
		}
		if isVersionShape(v) {
			return parseError(505)
		}
		return parseError(400)
	}
	if p.version.Len() >= 8 {
		return parseError(400)
	}
	if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '/' || c == '.' {
		p.version.WriteByte(c)
		return nil
	}
	return parseError(400)
}

// isVersionShape reports whether v is a syntactically valid HTTP/x.y token,
// which distinguishes an unsupported version (505) from garbage (400).
func isVersionShape(v string) bool {
	return len(v) == 8 &&
		v[:5] == "HTTP/" &&
		v[5] >= '0' && v[5] <= '9' &&
		v[6] == '.' &&
		v[7] >= '0' && v[7] <= '9'
}

func (p *Parser) stepRequestLineEnd(c byte) error {
	if c != '\n' {
		return parseError(400)
	}
	p.state = stateHeaderName
	return nil
}

// isTokenChar reports whether c belongs to the HTTP token character set.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func (p *Parser) stepHeaderName(c byte) error {
	if c == ':' {
		if p.curName.Len() == 0 {
			return parseError(400)
		}
		p.state = stateHeaderColon
		return nil
	}
	if !isTokenChar(c) {
		return parseError(400)
	}
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	p.curName.WriteByte(c)
	return nil
}

func (p *Parser) stepHeaderColon(c byte) error {
	if c == ' ' || c == '\t' {
		return nil
	}
	if c < 32 || c >= 127 {
		return parseError(400)
	}
	p.curValue.WriteByte(c)
	p.state = stateHeaderValue
	return nil
}

func (p *Parser) stepHeaderValue(c byte) error {
	if c == '\r' {
		if err := p.commitHeader(); err != nil {
			return err
		}
		p.state = stateHeaderCR
		return nil
	}
	if (c < 32 && c != '\t') || c == 127 {
		return parseError(400)
	}
	p.curValue.WriteByte(c)
	return nil
}

// commitHeader stores the header being built, applying the per-name rules:
// a second Host is fatal, Transfer-Encoding values accumulate, Connection is
// normalised to its two meaningful values and anything else is dropped.
func (p *Parser) commitHeader() error {
	name := p.curName.String()
	value := strings.TrimRight(p.curValue.String(), " \t")
	p.curName.Reset()
	p.curValue.Reset()

	switch name {
	case "host":
		if _, dup := p.headers["host"]; dup {
			return parseError(400)
		}
		p.headers["host"] = value
	case "transfer-encoding":
		if prev, ok := p.headers["transfer-encoding"]; ok {
			p.headers["transfer-encoding"] = prev + ", " + value
		} else {
			p.headers["transfer-encoding"] = value
		}
	case "connection":
		if value == "keep-alive" || value == "close" {
			p.headers["connection"] = value
		}
	default:
		p.headers[name] = value
	}
	return nil
}

func (p *Parser) stepHeaderCR(c byte) error {
	if c != '\n' {
		return parseError(400)
	}
	p.state = stateHeaderLF
	return nil
}

func (p *Parser) stepHeaderLF(c byte) error {
	if c == '\r' {
		if _, ok := p.headers["host"]; !ok {
			return parseError(400)
		}
		p.state = stateHeaderEnd
		return nil
	}
	if !isTokenChar(c) {
		return parseError(400)
	}
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	p.curName.WriteByte(c)
	p.state = stateHeaderName
	return nil
}

func (p *Parser) stepHeaderEnd(c byte) error {
	if c != '\n' {
		return parseError(400)
	}

	te, hasTE := p.headers["transfer-encoding"]
	clValue, hasCL := p.headers["content-length"]
	if hasTE && hasCL {
		return parseError(400)
	}
	if hasTE {
		if !hasChunked(te) {
			// The message length cannot be determined.
			return parseError(411)
		}
		p.state = stateHex
		return nil
	}
	if hasCL {
		n, err := parseContentLength(clValue)
		if err != nil {
			return parseError(400)
		}
		if n > p.bodyCap {
			return parseError(413)
		}
		p.expectedBodyLen = n
		if n == 0 {
			p.state = stateDone
		} else {
			p.state = stateBody
		}
		return nil
	}
	p.state = stateDone
	return nil
}

// hasChunked reports whether the accumulated Transfer-Encoding list names
// the chunked coding.
func hasChunked(te string) bool {
	for _, part := range strings.Split(te, ",") {
		if strings.TrimSpace(part) == "chunked" {
			return true
		}
	}
	return false
}

// parseContentLength accepts only a plain decimal byte count.
func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, parseError(400)
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, parseError(400)
		}
	}
	return strconv.ParseInt(v, 10, 64)
}

func (p *Parser) stepBody(c byte) error {
	p.body = append(p.body, c)
	if int64(len(p.body)) == p.expectedBodyLen {
		p.state = stateDone
	}
	return nil
}

func (p *Parser) stepHex(c byte) error {
	if c == '\r' {
		if p.hexLine.Len() == 0 {
			return parseError(400)
		}
		p.state = stateHexEnd
		return nil
	}
	if p.hexLine.Len() >= maxHexDigits {
		return parseError(413)
	}
	if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
		p.hexLine.WriteByte(c)
		return nil
	}
	return parseError(400)
}

func (p *Parser) stepHexEnd(c byte) error {
	if c != '\n' {
		return parseError(400)
	}
	size, err := strconv.ParseInt(p.hexLine.String(), 16, 64)
	if err != nil {
		return parseError(400)
	}
	if size > p.bodyCap-int64(len(p.body)) {
		return parseError(413)
	}
	p.hexLine.Reset()
	p.chunkRead = 0
	p.chunkSize = size
	if size == 0 {
		p.state = stateBodyLF
	} else {
		p.state = stateChunk
	}
	return nil
}

func (p *Parser) stepChunk(c byte) error {
	if p.chunkRead == p.chunkSize {
		if c == '\r' {
			p.state = stateChunkEnd
			return nil
		}
		return parseError(400)
	}
	p.chunkRead++
	p.body = append(p.body, c)
	if int64(len(p.body)) > p.bodyCap {
		return parseError(413)
	}
	return nil
}

func (p *Parser) stepChunkEnd(c byte) error {
	if c != '\n' {
		return parseError(400)
	}
	p.state = stateHex
	return nil
}

func (p *Parser) stepBodyLF(c byte) error {
	// Anything but the bare final CRLF here is a trailer, which is not
	// accepted.
	if c != '\r' {
		return parseError(400)
	}
	p.state = stateMessageEnd
	return nil
}

func (p *Parser) stepMessageEnd(c byte) error {
	if c != '\n' {
		return parseError(400)
	}
	p.state = stateDone
	return nil
}

// Status returns the coarse parser state.
func (p *Parser) Status() Status {
	switch p.state {
	case stateDone:
		return StatusDone
	case stateError:
		return StatusError
	case stateCgiProcessing:
		return StatusCgiProcessing
	}
	return StatusInProgress
}

// MarkCgiProcessing records that the accepted request was dispatched to a
// CGI session.
func (p *Parser) MarkCgiProcessing() {
	if p.state == stateDone {
		p.state = stateCgiProcessing
	}
}

// ErrorCode returns the HTTP status carried by a parse failure, or zero.
func (p *Parser) ErrorCode() int { return p.errCode }

// Method returns the request method once parsed.
func (p *Parser) Method() string { return p.method.String() }

// Target returns the origin-form path without query or fragment.
func (p *Parser) Target() string { return p.target.String() }

// Query returns the raw query string, without the leading '?'.
func (p *Parser) Query() string { return p.query.String() }

// Version returns the request HTTP version.
func (p *Parser) Version() string { return p.version.String() }

// Body returns the decoded request body.
func (p *Parser) Body() []byte { return p.body }

// Header returns the value of the named header; names are stored lowercase.
func (p *Parser) Header(name string) (string, bool) {
	v, ok := p.headers[name]
	return v, ok
}

// Headers exposes the full header map for CGI environment construction.
func (p *Parser) Headers() map[string]string { return p.headers }

// Host returns the Host header value.
func (p *Parser) Host() string { return p.headers["host"] }

// KeepAlive reports whether the connection should stay open after the
// response. HTTP/1.1 defaults to keep-alive.
func (p *Parser) KeepAlive() bool {
	switch p.headers["connection"] {
	case "close":
		return false
	case "keep-alive":
		return true
	}
	return true
}
