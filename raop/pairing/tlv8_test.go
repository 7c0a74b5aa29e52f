package pairing

import (
	"bytes"
	"testing"
)

func TestTlv8EncodeDecodeRoundTrip(t *testing.T) {
	in := Tlv8{
		TlvMethod: {0x00},
		TlvSeqNo:  {0x01},
		TlvSalt:   []byte("some-salt-value"),
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for tag, want := range in {
		if !bytes.Equal(out[tag], want) {
			t.Errorf("tag %v: got %x, want %x", tag, out[tag], want)
		}
	}
}

func TestTlv8SplitsLongValues(t *testing.T) {
	value := bytes.Repeat([]byte{0x42}, 300)
	encoded := Encode(Tlv8{TlvEncryptedData: value})

	// A 300-byte value must be split into a 255-byte tuple followed by a
	// 45-byte tuple of the same tag.
	if encoded[0] != byte(TlvEncryptedData) || encoded[1] != 255 {
		t.Fatalf("expected first tuple to be a full 255-byte chunk, got tag=%d len=%d", encoded[0], encoded[1])
	}
	second := encoded[2+255:]
	if second[0] != byte(TlvEncryptedData) || second[1] != 45 {
		t.Fatalf("expected continuation tuple of 45 bytes, got tag=%d len=%d", second[0], second[1])
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded[TlvEncryptedData], value) {
		t.Errorf("reassembled value mismatch: got %d bytes, want %d", len(decoded[TlvEncryptedData]), len(value))
	}
}

func TestTlv8ExactMultipleOf255DoesNotMergeNextTag(t *testing.T) {
	value := bytes.Repeat([]byte{0x01}, 255)
	data := Encode(Tlv8{TlvPublicKey: value})
	data = append(data, byte(TlvProof), 1, 0x09)

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded[TlvPublicKey], value) {
		t.Errorf("public key tuple corrupted")
	}
	if !bytes.Equal(decoded[TlvProof], []byte{0x09}) {
		t.Errorf("proof tuple corrupted: %x", decoded[TlvProof])
	}
}

func TestTlv8DecodeRejectsTruncatedTuple(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x05, 0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated tuple")
	}
}
