// Package rtsp implements the CSeq-multiplexed RTSP-over-TCP session RAOP
// uses to negotiate and control a streaming connection. It is not a
// general-purpose RTSP client: the method set, header shape, and framing
// are exactly what AirPlay's receivers expect.
package rtsp

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/crypto"
)

// UserAgent is sent on every request, matching a real AirPlay sender.
const UserAgent = "AirPlay/540.31"

// ExchangeTimeout bounds how long a request waits for its matching
// response before Exchange fails it with ErrProtocol; the connection
// itself stays open.
const ExchangeTimeout = 4 * time.Second

// Response is a parsed RTSP/HTTP response message.
type Response struct {
	Protocol string
	Version  string
	Code     int
	Message  string
	Headers  map[string]string
	Body     []byte
}

// Header looks up a response header case-insensitively.
func (r Response) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

type digestInfo struct {
	username string
	realm    string
	password string
	nonce    string
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// digestResponse computes Apple's MD5 digest-auth response value:
// MD5(MD5("user:realm:pwd") ‖ ":" ‖ nonce ‖ ":" ‖ MD5(method ‖ ":" ‖ uri)).
func digestResponse(method, uri string, d digestInfo) string {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", d.username, d.realm, d.password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	return md5Hex(fmt.Sprintf("%s:%s:%s", ha1, d.nonce, ha2))
}

// Session multiplexes RTSP requests/responses over a single TCP
// connection, matching responses to requests by CSeq.
type Session struct {
	conn     net.Conn
	writeMu  sync.Mutex
	reader   *bufio.Reader
	cipherMu sync.RWMutex
	cipher   *crypto.Cipher

	LocalIP  net.IP
	RemoteIP net.IP
	SessionID uint32

	timeout time.Duration

	dacpID       string
	activeRemote uint32

	mu      sync.Mutex
	cseq    int
	pending map[int]chan Response
	digest  *digestInfo

	closeOnce sync.Once
	lost      chan struct{}
}

// NewSession wraps an established TCP connection to a receiver's RTSP
// control port.
func NewSession(conn net.Conn) (*Session, error) {
	local, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("rtsp: %w", err)
	}
	remote, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("rtsp: %w", err)
	}

	var sessionIDBuf [4]byte
	var dacpBuf [8]byte
	var remoteBuf [4]byte
	if _, err := rand.Read(sessionIDBuf[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(dacpBuf[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(remoteBuf[:]); err != nil {
		return nil, err
	}

	s := &Session{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 4096),
		LocalIP:      net.ParseIP(local),
		RemoteIP:     net.ParseIP(remote),
		SessionID:    uint32(sessionIDBuf[0])<<24 | uint32(sessionIDBuf[1])<<16 | uint32(sessionIDBuf[2])<<8 | uint32(sessionIDBuf[3]),
		dacpID:       strings.ToUpper(hex.EncodeToString(dacpBuf[:])),
		activeRemote: uint32(remoteBuf[0])<<24 | uint32(remoteBuf[1])<<16 | uint32(remoteBuf[2])<<8 | uint32(remoteBuf[3]),
		pending:      make(map[int]chan Response),
		lost:         make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// SetTimeout overrides ExchangeTimeout for every subsequent request on
// this session. A zero duration restores the package default.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *Session) exchangeTimeout() time.Duration {
	s.mu.Lock()
	d := s.timeout
	s.mu.Unlock()
	if d <= 0 {
		return ExchangeTimeout
	}
	return d
}

// URI is the default request target, a per-session RTSP URL.
func (s *Session) URI() string {
	return fmt.Sprintf("rtsp://%s/%d", s.LocalIP, s.SessionID)
}

// EnableEncryption attaches a HAP record-layer cipher to the connection.
// Called once Pair-Verify completes on a HAP/Transient session; every
// subsequent read and write is transformed through it.
func (s *Session) EnableEncryption(c *crypto.Cipher) {
	s.cipherMu.Lock()
	defer s.cipherMu.Unlock()
	s.cipher = c
}

// EnableDigestAuth configures password authentication for subsequent
// requests, using the realm/nonce obtained from a 401 challenge.
func (s *Session) EnableDigestAuth(username, realm, password, nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digest = &digestInfo{username: username, realm: realm, password: password, nonce: nonce}
}

// Close shuts down the underlying connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.lost)
		err = s.conn.Close()
	})
	return err
}

// Lost is closed when the read loop observes the connection failing.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// ExchangeOptions customizes a single request beyond the common headers.
type ExchangeOptions struct {
	URI         string
	ContentType string
	Headers     map[string]string
	Body        []byte
	AllowError  bool
}

// Exchange sends method/URI with the given options and waits for the
// matching CSeq response, per §4.5: non-2xx is an error unless AllowError.
func (s *Session) Exchange(ctx context.Context, method string, opts ExchangeOptions) (Response, error) {
	uri := opts.URI
	if uri == "" {
		uri = s.URI()
	}

	s.mu.Lock()
	cseq := s.cseq
	s.cseq++
	ch := make(chan Response, 1)
	s.pending[cseq] = ch
	digest := s.digest
	s.mu.Unlock()

	headers := map[string]string{
		"CSeq":            strconv.Itoa(cseq),
		"DACP-ID":         s.dacpID,
		"Active-Remote":   strconv.FormatUint(uint64(s.activeRemote), 10),
		"Client-Instance": s.dacpID,
	}
	if digest != nil {
		headers["Authorization"] = fmt.Sprintf(
			`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
			digest.username, digest.realm, digest.nonce, uri, digestResponse(method, uri, *digest))
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.ContentType != "" {
		headers["Content-Type"] = opts.ContentType
	}
	if len(opts.Body) > 0 {
		headers["Content-Length"] = strconv.Itoa(len(opts.Body))
	}

	if err := s.writeRequest(method, uri, headers, opts.Body); err != nil {
		s.mu.Lock()
		delete(s.pending, cseq)
		s.mu.Unlock()
		return Response{}, err
	}

	timeout, cancel := context.WithTimeout(ctx, s.exchangeTimeout())
	defer cancel()

	select {
	case resp := <-ch:
		if !opts.AllowError && (resp.Code < 200 || resp.Code >= 300) {
			if resp.Code == 401 || resp.Code == 403 {
				return resp, fmt.Errorf("%w: %s %s returned %d", raop.ErrAuthentication, method, uri, resp.Code)
			}
			return resp, fmt.Errorf("%w: %s %s returned %d", raop.ErrProtocol, method, uri, resp.Code)
		}
		return resp, nil
	case <-timeout.Done():
		s.mu.Lock()
		delete(s.pending, cseq)
		s.mu.Unlock()
		return Response{}, fmt.Errorf("%w: no response to CSeq %d (%s)", raop.ErrProtocol, cseq, uri)
	case <-s.lost:
		return Response{}, fmt.Errorf("%w: connection closed while awaiting CSeq %d", raop.ErrConnectionLost, cseq)
	}
}

func (s *Session) writeRequest(method, uri string, headers map[string]string, body []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", UserAgent)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	raw := append([]byte(b.String()), body...)

	s.cipherMu.RLock()
	cipher := s.cipher
	s.cipherMu.RUnlock()
	if cipher != nil {
		raw = cipher.Encrypt(raw)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", raop.ErrConnectionLost, err)
	}
	return nil
}

var statusLineRe = regexp.MustCompile(`^([^/]+)/([0-9.]+) (\d+) (.*)$`)

func parseResponse(buf []byte) (*Response, int, error) {
	idx := strings.Index(string(buf), "\r\n\r\n")
	if idx < 0 {
		return nil, 0, nil
	}
	headerBlock := string(buf[:idx])
	lines := strings.Split(headerBlock, "\r\n")
	if len(lines) == 0 {
		return nil, 0, fmt.Errorf("%w: empty RTSP response", raop.ErrProtocol)
	}

	m := statusLineRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, 0, fmt.Errorf("%w: bad status line %q", raop.ErrProtocol, lines[0])
	}
	code, _ := strconv.Atoi(m[3])

	headers := make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			continue
		}
		headers[parts[0]] = parts[1]
	}

	contentLength := 0
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Length") {
			contentLength, _ = strconv.Atoi(v)
		}
	}

	bodyStart := idx + 4
	if len(buf) < bodyStart+contentLength {
		return nil, 0, nil
	}

	resp := &Response{
		Protocol: m[1],
		Version:  m[2],
		Code:     code,
		Message:  m[4],
		Headers:  headers,
		Body:     append([]byte(nil), buf[bodyStart:bodyStart+contentLength]...),
	}
	return resp, bodyStart + contentLength, nil
}

func (s *Session) readLoop() {
	var plaintext []byte
	raw := make([]byte, 4096)

	for {
		n, err := s.reader.Read(raw)
		if n > 0 {
			s.cipherMu.RLock()
			cipher := s.cipher
			s.cipherMu.RUnlock()

			chunk := raw[:n]
			if cipher != nil {
				decoded, derr := cipher.Decrypt(chunk)
				if derr != nil {
					s.closeOnce.Do(func() { close(s.lost); s.conn.Close() })
					return
				}
				chunk = decoded
			}
			plaintext = append(plaintext, chunk...)

			for {
				resp, consumed, perr := parseResponse(plaintext)
				if perr != nil || resp == nil {
					break
				}
				plaintext = plaintext[consumed:]
				s.dispatch(*resp)
			}
		}
		if err != nil {
			s.closeOnce.Do(func() { close(s.lost) })
			return
		}
	}
}

func (s *Session) dispatch(resp Response) {
	cseqStr, _ := resp.Header("CSeq")
	cseq, err := strconv.Atoi(cseqStr)
	if err != nil {
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[cseq]
	if ok {
		delete(s.pending, cseq)
	}
	s.mu.Unlock()

	if ok {
		ch <- resp
	}
}

var _ io.Closer = (*Session)(nil)
