package protocol

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/pairing"
	"github.com/postlund/goraop/raop/plist"
	"github.com/postlund/goraop/raop/rtsp"
)

// dialLoopback sets up a real TCP connection so Session's LocalAddr/
// RemoteAddr parsing has a proper host:port pair.
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

// readRequest reads one plaintext RTSP request's headers and body off
// reader, returning the CSeq and body for the handler to act on.
func readRequest(t *testing.T, reader *bufio.Reader) (requestLine, cseq string, body []byte) {
	t.Helper()
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	requestLine = strings.TrimRight(line, "\r\n")

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
		body = make([]byte, contentLength)
		_, err := io.ReadFull(reader, body)
		require.NoError(t, err)
	}
	return requestLine, cseq, body
}

func writeResponse(t *testing.T, server net.Conn, cseq string, code int, headers map[string]string, body []byte) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d OK\r\n", code)
	fmt.Fprintf(&b, "CSeq: %s\r\n", cseq)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	_, err := server.Write([]byte(b.String()))
	require.NoError(t, err)
}

func TestVerifyConnectionNullIsNoop(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := rtsp.NewSession(client)
	require.NoError(t, err)

	require.NoError(t, VerifyConnection(context.Background(), sess, raop.NoCredentials))
}

func TestVerifyConnectionLegacySucceedsWithoutEncryption(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := rtsp.NewSession(client)
	require.NoError(t, err)

	credentials, err := pairing.NewLegacyCredentials()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(server)

		_, cseq, body := readRequest(t, reader)
		require.Len(t, body, 4+32+32) // flags + verify_public + auth_public

		challenge := make([]byte, 16)
		_, err := rand.Read(challenge)
		require.NoError(t, err)
		remotePublic := make([]byte, 32)
		_, err = rand.Read(remotePublic)
		require.NoError(t, err)
		writeResponse(t, server, cseq, 200, nil, append(remotePublic, challenge...))

		_, cseq, _ = readRequest(t, reader)
		writeResponse(t, server, cseq, 200, nil, nil)
	}()

	err = VerifyConnection(context.Background(), sess, credentials)
	require.NoError(t, err)
	<-done

	// Legacy verify never yields encryption keys, so a follow-on request
	// still arrives at the receiver in plaintext.
	exchangeDone := make(chan struct{})
	go func() {
		defer close(exchangeDone)
		reader := bufio.NewReader(server)
		requestLine, cseq, _ := readRequest(t, reader)
		require.True(t, strings.HasPrefix(requestLine, "OPTIONS "))
		writeResponse(t, server, cseq, 200, nil, nil)
	}()
	_, err = sess.Exchange(context.Background(), "OPTIONS", rtsp.ExchangeOptions{})
	require.NoError(t, err)
	<-exchangeDone
}

// fakeHAPReceiver answers a transient HAP Pair-Verify over a real RTSP
// connection, driving the same M1/M3 exchange a receiver would.
type fakeHAPReceiver struct {
	t          *testing.T
	verifyPriv [32]byte
	verifyPub  [32]byte
}

func newFakeHAPReceiver(t *testing.T) *fakeHAPReceiver {
	r := &fakeHAPReceiver{t: t}
	_, err := rand.Read(r.verifyPriv[:])
	require.NoError(t, err)
	curve25519.ScalarBaseMult(&r.verifyPub, &r.verifyPriv)
	return r
}

func (r *fakeHAPReceiver) hkdfKey(secret, salt, info []byte) []byte {
	key := make([]byte, 32)
	_, err := io.ReadFull(hkdf.New(sha512.New, secret, salt, info), key)
	require.NoError(r.t, err)
	return key
}

// serve handles exactly the two requests a transient Pair-Verify sends.
func (r *fakeHAPReceiver) serve(server net.Conn) {
	reader := bufio.NewReader(server)

	_, cseq, body := readRequest(r.t, reader)
	m1, err := pairing.Decode(body)
	require.NoError(r.t, err)

	var clientPub, shared [32]byte
	copy(clientPub[:], m1[pairing.TlvPublicKey])
	curve25519.ScalarMult(&shared, &r.verifyPriv, &clientPub)

	encKey := r.hkdfKey(shared[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	aead, err := chacha20poly1305.New(encKey)
	require.NoError(r.t, err)
	inner := pairing.Encode(pairing.Tlv8{pairing.TlvIdentifier: []byte("accessory-id")})
	sealed := aead.Seal(nil, []byte("\x00\x00\x00\x00PV-Msg02"), inner, nil)

	m2 := pairing.Encode(pairing.Tlv8{pairing.TlvPublicKey: r.verifyPub[:], pairing.TlvEncryptedData: sealed})
	writeResponse(r.t, server, cseq, 200, nil, m2)

	_, cseq, _ = readRequest(r.t, reader)
	writeResponse(r.t, server, cseq, 200, nil, nil)
}

func TestVerifyConnectionTransientEnablesEncryption(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := rtsp.NewSession(client)
	require.NoError(t, err)

	receiver := newFakeHAPReceiver(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		receiver.serve(server)
	}()

	err = VerifyConnection(context.Background(), sess, raop.TransientCredentials)
	require.NoError(t, err)
	<-done

	// Once encryption is enabled, a follow-on request's first bytes no
	// longer look like a plaintext RTSP request line.
	rawDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		rawDone <- buf[:n]
	}()
	go sess.Exchange(context.Background(), "OPTIONS", rtsp.ExchangeOptions{})

	raw := <-rawDone
	require.False(t, strings.HasPrefix(string(raw), "OPTIONS "))
}

func TestParseTransportHeaderSplitsKeyValuePairs(t *testing.T) {
	got := parseTransportHeader("RTP/AVP/UDP;unicast;control_port=6001;timing_port=6002")
	require.Equal(t, "6001", got["control_port"])
	require.Equal(t, "6002", got["timing_port"])
	_, hasUnicast := got["unicast"]
	require.False(t, hasUnicast)
}

func TestAirPlayV1SetupParsesNegotiatedPorts(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := rtsp.NewSession(client)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(server)

		_, cseq, _ := readRequest(t, reader) // ANNOUNCE
		writeResponse(t, server, cseq, 200, nil, nil)

		_, cseq, _ = readRequest(t, reader) // SETUP
		writeResponse(t, server, cseq, 200, map[string]string{
			"Session":   "1",
			"Transport": "RTP/AVP/UDP;unicast;server_port=7000;control_port=7001;timing_port=7002",
		}, nil)
	}()

	v1 := NewAirPlayV1(sess, raop.NoCredentials, raop.AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2}, "")
	transport, err := v1.Setup(context.Background(), 6002, 6001)
	require.NoError(t, err)
	<-done

	require.Equal(t, 7000, transport.ServerPort)
	require.Equal(t, 7001, transport.ControlPort)
	require.Equal(t, 7002, transport.TimingPort)
	require.Equal(t, "1", transport.Session)
}

func TestAirPlayV2PlayURLIsNotSupported(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	sess, err := rtsp.NewSession(client)
	require.NoError(t, err)

	v2 := NewAirPlayV2(sess, raop.TransientCredentials, raop.AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2}, DeviceInfo{})
	err = v2.PlayURL(context.Background(), "http://example.invalid/video", 0)
	require.ErrorIs(t, err, raop.ErrNotSupported)
}

func TestFirstStreamDictUnwrapsStreamsArray(t *testing.T) {
	resp := map[string]any{
		"streams": []any{plist.Dict{"controlPort": int64(7001), "dataPort": int64(7000)}},
	}
	dict := firstStreamDict(resp)
	require.Equal(t, int64(7000), dict["dataPort"])
}

func TestFirstStreamDictFallsBackToTopLevel(t *testing.T) {
	resp := map[string]any{"controlPort": int64(7001)}
	dict := firstStreamDict(resp)
	require.Equal(t, int64(7001), dict["controlPort"])
}
