package rtsp

import (
	"context"
	"fmt"
)

// announcePayload is the literal SDP body AirPlay senders use, per §6.
const announcePayload = "v=0\r\n" +
	"o=iTunes %d 0 IN IP4 %s\r\n" +
	"s=iTunes\r\n" +
	"c=IN IP4 %s\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 AppleLossless\r\n" +
	"a=fmtp:96 352 0 %d 40 10 14 %d 255 0 0 %d\r\n"

// authSetupUnencrypted flags the auth-setup request as "proceed without
// MFi encryption".
const authSetupUnencrypted = 0x01

// curve25519PubKey is a static Curve25519 public key accepted by
// receivers (e.g. AirPort Express) that require the auth-setup exchange
// but whose response is never verified by any sender.
var curve25519PubKey = []byte{
	0x59, 0x02, 0xed, 0xe9, 0x0d, 0x4e, 0xf2, 0xbd,
	0x4c, 0xb6, 0x8a, 0x63, 0x30, 0x03, 0x82, 0x07,
	0xa9, 0x4d, 0xbd, 0x50, 0xd8, 0xaa, 0x46, 0x5b,
	0x5d, 0x8c, 0x01, 0x2a, 0x0c, 0x7e, 0x1d, 0x4e,
}

// Announce sends the ANNOUNCE SDP body describing the AppleLossless
// stream. When password is non-empty it retries once with digest
// authentication if challenged with a 401.
func (s *Session) Announce(ctx context.Context, bytesPerChannel, channels, sampleRate int, password string) (Response, error) {
	body := []byte(fmt.Sprintf(announcePayload, s.SessionID, s.LocalIP, s.RemoteIP,
		8*bytesPerChannel, channels, sampleRate))

	resp, err := s.Exchange(ctx, "ANNOUNCE", ExchangeOptions{
		ContentType: "application/sdp",
		Body:        body,
		AllowError:  password != "",
	})
	if err != nil {
		return resp, err
	}
	if resp.Code != 401 || password == "" {
		return resp, nil
	}

	challenge, ok := resp.Header("WWW-Authenticate")
	if !ok {
		return resp, nil
	}
	realm, nonce, err := parseDigestChallenge(challenge)
	if err != nil {
		return resp, err
	}
	s.EnableDigestAuth("pyatv", realm, password, nonce)

	return s.Exchange(ctx, "ANNOUNCE", ExchangeOptions{
		ContentType: "application/sdp",
		Body:        body,
	})
}

func parseDigestChallenge(header string) (realm, nonce string, err error) {
	// Digest realm="...", nonce="..." — Apple emits exactly two quoted
	// fields in this order.
	parts := splitQuoted(header)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("rtsp: malformed WWW-Authenticate header: %q", header)
	}
	return parts[0], parts[1], nil
}

func splitQuoted(s string) []string {
	var out []string
	var cur []byte
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' {
			if inQuote {
				out = append(out, string(cur))
				cur = nil
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			cur = append(cur, c)
		}
	}
	return out
}

// Setup sends the SETUP request with a transport header (v1) or a
// binary-plist body (v2), supplied by the caller.
func (s *Session) Setup(ctx context.Context, headers map[string]string, body []byte) (Response, error) {
	opts := ExchangeOptions{Headers: headers, Body: body}
	if len(body) > 0 {
		opts.ContentType = "application/x-apple-binary-plist"
	}
	return s.Exchange(ctx, "SETUP", opts)
}

// Record sends the RECORD request.
func (s *Session) Record(ctx context.Context, headers map[string]string) (Response, error) {
	return s.Exchange(ctx, "RECORD", ExchangeOptions{Headers: headers})
}

// Flush sends the FLUSH request with the given RTP-Info header.
func (s *Session) Flush(ctx context.Context, session, rtpInfo string) (Response, error) {
	return s.Exchange(ctx, "FLUSH", ExchangeOptions{Headers: map[string]string{
		"Range":    "npt=0-",
		"Session":  session,
		"RTP-Info": rtpInfo,
	}})
}

// SetParameter sends a single `parameter: value` text/parameters body.
func (s *Session) SetParameter(ctx context.Context, parameter, value string) (Response, error) {
	return s.Exchange(ctx, "SET_PARAMETER", ExchangeOptions{
		ContentType: "text/parameters",
		Body:        []byte(fmt.Sprintf("%s: %s", parameter, value)),
	})
}

// SetMetadata sends a DMAP-tagged SET_PARAMETER body for text or artwork
// metadata, carrying the RTP-Info header the receiver uses to line it up
// with the audio stream.
func (s *Session) SetMetadata(ctx context.Context, session, contentType, rtpInfo string, body []byte) (Response, error) {
	return s.Exchange(ctx, "SET_PARAMETER", ExchangeOptions{
		ContentType: contentType,
		Headers: map[string]string{
			"Session":  session,
			"RTP-Info": rtpInfo,
		},
		Body: body,
	})
}

// Feedback sends the keep-alive/capability probe POST /feedback.
func (s *Session) Feedback(ctx context.Context, allowError bool) (Response, error) {
	return s.Exchange(ctx, "POST", ExchangeOptions{URI: "/feedback", AllowError: allowError})
}

// Teardown sends the TEARDOWN request, ending the RTSP session.
func (s *Session) Teardown(ctx context.Context, session string) (Response, error) {
	return s.Exchange(ctx, "TEARDOWN", ExchangeOptions{Headers: map[string]string{"Session": session}})
}

// Info sends GET /info and returns the raw plist-encoded body, or nil if
// the receiver doesn't support it.
func (s *Session) Info(ctx context.Context) ([]byte, error) {
	resp, err := s.Exchange(ctx, "GET", ExchangeOptions{URI: "/info", AllowError: true})
	if err != nil {
		return nil, err
	}
	if resp.Code != 200 {
		return nil, nil
	}
	return resp.Body, nil
}

// AuthSetup sends the MFi-SAP auth-setup bypass; the response body is
// intentionally discarded by every known sender, per §4.9/§9.
func (s *Session) AuthSetup(ctx context.Context) error {
	body := append([]byte{authSetupUnencrypted}, curve25519PubKey...)
	_, err := s.Exchange(ctx, "POST", ExchangeOptions{
		URI:         "/auth-setup",
		ContentType: "application/octet-stream",
		Body:        body,
	})
	return err
}

// Pair sends a POST with the given content type to a /pair-* path
// (binary-plist for legacy pin pairing, raw octet-stream TLV8 for HAP
// pair-setup/pair-verify), returning the raw response body.
func (s *Session) Pair(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	resp, err := s.Exchange(ctx, "POST", ExchangeOptions{
		URI:         path,
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
