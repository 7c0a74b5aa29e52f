// Package pairing implements the legacy SRP-6a and HAP
// (Ed25519/Curve25519) Pair-Setup/Pair-Verify handshakes used to
// authorize a RAOP streaming session, plus the record-layer key
// derivation that follows a successful HAP Pair-Verify.
package pairing

import "fmt"

// TlvType identifies a TLV8 tuple's meaning, per the HAP specification.
type TlvType byte

// TLV8 tuple types used by Pair-Setup and Pair-Verify.
const (
	TlvMethod        TlvType = 0x00
	TlvIdentifier    TlvType = 0x01
	TlvSalt          TlvType = 0x02
	TlvPublicKey     TlvType = 0x03
	TlvProof         TlvType = 0x04
	TlvEncryptedData TlvType = 0x05
	TlvSeqNo         TlvType = 0x06
	TlvError         TlvType = 0x07
	TlvSignature     TlvType = 0x0A
)

// Tlv8 is a sequence of TLV8 tuples, keyed by type. Values longer than
// 255 bytes are reassembled transparently by Decode.
type Tlv8 map[TlvType][]byte

// Encode serializes tuples to TLV8, splitting any value longer than 255
// bytes across repeated tuples of the same type as required by the spec.
func Encode(data Tlv8) []byte {
	var out []byte
	for tag, value := range data {
		if len(value) == 0 {
			out = append(out, byte(tag), 0)
			continue
		}
		for len(value) > 0 {
			n := len(value)
			if n > 255 {
				n = 255
			}
			out = append(out, byte(tag), byte(n))
			out = append(out, value[:n]...)
			value = value[n:]
		}
	}
	return out
}

// Decode parses a TLV8 byte stream, reassembling values that were split
// across consecutive tuples of the same type because they exceeded 255
// bytes.
func Decode(data []byte) (Tlv8, error) {
	out := make(Tlv8)
	var lastTag TlvType
	var lastWasFull bool

	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("pairing: truncated tlv8 tuple")
		}
		tag := TlvType(data[0])
		length := int(data[1])
		if len(data) < 2+length {
			return nil, fmt.Errorf("pairing: tlv8 tuple length %d exceeds remaining buffer", length)
		}
		value := data[2 : 2+length]
		data = data[2+length:]

		if lastWasFull && tag == lastTag {
			out[tag] = append(out[tag], value...)
		} else {
			out[tag] = append([]byte(nil), value...)
		}
		lastTag = tag
		lastWasFull = length == 255
	}

	return out, nil
}
