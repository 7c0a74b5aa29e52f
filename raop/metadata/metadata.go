// Package metadata builds the DMAP-tagged payloads a receiver expects on
// SET_PARAMETER for "now playing" text metadata: a sequence of 4-byte
// ASCII tag codes, each followed by a 4-byte big-endian length and that
// many bytes of payload, with container tags nesting other tags the same
// way.
package metadata

import "encoding/binary"

// TrackInfo is the subset of now-playing metadata a RAOP stream can push:
// the text fields sent via SET_PARAMETER's "mlit" container, and artwork
// sent as a separate, untagged image body.
type TrackInfo struct {
	Title  string
	Album  string
	Artist string

	// Duration is the track length in seconds, used only to compute the
	// `progress` SET_PARAMETER end position; it is not itself encoded
	// into the DMAP payload.
	Duration float64

	Artwork            []byte
	ArtworkContentType string
}

// StringTag encodes a single DMAP tag: a 4-character code, a 4-byte
// big-endian length, and the UTF-8 bytes of value. code must be exactly 4
// bytes; this is a programmer invariant, not validated at runtime.
func StringTag(code, value string) []byte {
	return tag(code, []byte(value))
}

// ContainerTag wraps payload (itself a concatenation of other tags) in a
// single tag whose length covers the whole nested payload.
func ContainerTag(code string, payload []byte) []byte {
	return tag(code, payload)
}

func tag(code string, payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload))
	out = append(out, code[:4]...)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	out = append(out, length[:]...)
	return append(out, payload...)
}

// TrackTag builds the "mlit" container a RAOP sender posts as its
// SET_PARAMETER body for text metadata, carrying whichever of
// title/album/artist are non-empty. An all-empty TrackInfo still yields a
// valid (empty) "mlit" container.
func TrackTag(info TrackInfo) []byte {
	var payload []byte
	if info.Title != "" {
		payload = append(payload, StringTag("minm", info.Title)...)
	}
	if info.Album != "" {
		payload = append(payload, StringTag("asal", info.Album)...)
	}
	if info.Artist != "" {
		payload = append(payload, StringTag("asar", info.Artist)...)
	}
	return ContainerTag("mlit", payload)
}
