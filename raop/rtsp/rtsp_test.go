package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postlund/goraop/raop"
)

// dialLoopback sets up a real TCP connection so LocalAddr/RemoteAddr have
// proper host:port pairs (unlike net.Pipe's synthetic addresses).
func dialLoopback(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptCh
	require.NotNil(t, server)
	return client, server
}

// fakeReceiver reads one RTSP request (headers plus any Content-Length
// body) off reader and replies with a canned response carrying the same
// CSeq. Callers share one bufio.Reader across multiple requests on the
// same connection so no buffered bytes are dropped between calls.
func fakeReceiver(t *testing.T, server net.Conn, reader *bufio.Reader, code int, statusMsg string, headers map[string]string, body string) {
	t.Helper()

	var cseq string
	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "CSeq:") {
			cseq = strings.TrimSpace(strings.TrimPrefix(line, "CSeq:"))
		}
		if strings.HasPrefix(line, "Content-Length:") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
		}
	}
	if contentLength > 0 {
		discard := make([]byte, contentLength)
		_, err := io.ReadFull(reader, discard)
		require.NoError(t, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\n", code, statusMsg)
	fmt.Fprintf(&b, "CSeq: %s\r\n", cseq)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	_, err := server.Write([]byte(b.String()))
	require.NoError(t, err)
}

func TestSessionExchangeSuccess(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := NewSession(client)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		fakeReceiver(t, server, bufio.NewReader(server), 200, "OK", nil, "")
		close(done)
	}()

	resp, err := sess.Exchange(context.Background(), "OPTIONS", ExchangeOptions{})
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
	<-done
}

func TestSessionExchangeAuthenticationError(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := NewSession(client)
	require.NoError(t, err)

	go fakeReceiver(t, server, bufio.NewReader(server), 401, "Unauthorized", nil, "")

	_, err = sess.Exchange(context.Background(), "ANNOUNCE", ExchangeOptions{})
	require.ErrorIs(t, err, raop.ErrAuthentication)
}

func TestSessionExchangeTimesOut(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := NewSession(client)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = sess.Exchange(ctx, "OPTIONS", ExchangeOptions{})
	require.Error(t, err)
}

func TestAnnounceRetriesWithDigestOn401(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := NewSession(client)
	require.NoError(t, err)

	go func() {
		reader := bufio.NewReader(server)
		fakeReceiver(t, server, reader, 401, "Unauthorized", map[string]string{
			"WWW-Authenticate": `Digest realm="realm1" nonce="nonce1"`,
		}, "")
		fakeReceiver(t, server, reader, 200, "OK", nil, "")
	}()

	resp, err := sess.Announce(context.Background(), 2, 2, 44100, "1234")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
}

func TestParseResponseIncompleteReturnsNil(t *testing.T) {
	resp, consumed, err := parseResponse([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\n"))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, 0, consumed)
}

func TestDigestResponseMatchesFormula(t *testing.T) {
	d := digestInfo{username: "pyatv", realm: "realm", password: "pw", nonce: "nonce"}
	got := digestResponse("ANNOUNCE", "rtsp://1.2.3.4/1", d)
	require.Len(t, got, 32)

	ha1 := md5Hex("pyatv:realm:pw")
	ha2 := md5Hex("ANNOUNCE:rtsp://1.2.3.4/1")
	require.Equal(t, md5Hex(ha1+":nonce:"+ha2), got)
}
