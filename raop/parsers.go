package raop

import (
	"fmt"
	"strconv"
	"strings"
)

// Default audio properties, used when the receiver's TXT record omits
// them.
const (
	DefaultSampleRate     = 44100
	DefaultSampleSizeBits = 16
	DefaultChannels       = 2
)

// EncryptionType is a bitmask of encryption schemes a receiver advertises
// support for, via the `et` TXT property.
type EncryptionType int

// Encryption bits, as advertised in a comma-separated `et=0,1,3` TXT value.
const (
	EncryptionUnknown        EncryptionType = 0
	EncryptionUnencrypted    EncryptionType = 1 << 0
	EncryptionRSA            EncryptionType = 1 << 1
	EncryptionFairPlay       EncryptionType = 1 << 2
	EncryptionMFiSAP         EncryptionType = 1 << 3
	EncryptionFairPlaySAPv25 EncryptionType = 1 << 4
)

// MetadataType is a bitmask of metadata kinds a receiver accepts, via the
// `md` TXT property.
type MetadataType int

// Metadata bits, as advertised in a comma-separated `md=0,1,2` TXT value.
const (
	MetadataNotSupported MetadataType = 0
	MetadataText         MetadataType = 1 << 0
	MetadataArtwork      MetadataType = 1 << 1
	MetadataProgress     MetadataType = 1 << 2
)

// AudioProperties holds the sample rate, channel count, and bytes per
// sample parsed from a receiver's TXT record.
type AudioProperties struct {
	SampleRate      int
	Channels        int
	BytesPerChannel int
}

// ParseAudioProperties reads `sr`, `ch` and `ss` from TXT properties,
// applying RAOP defaults for anything missing.
func ParseAudioProperties(properties map[string]string) (AudioProperties, error) {
	sampleRate, err := intProperty(properties, "sr", DefaultSampleRate)
	if err != nil {
		return AudioProperties{}, fmt.Errorf("%w: invalid sr", ErrProtocol)
	}
	channels, err := intProperty(properties, "ch", DefaultChannels)
	if err != nil {
		return AudioProperties{}, fmt.Errorf("%w: invalid ch", ErrProtocol)
	}
	sampleSizeBits, err := intProperty(properties, "ss", DefaultSampleSizeBits)
	if err != nil {
		return AudioProperties{}, fmt.Errorf("%w: invalid ss", ErrProtocol)
	}

	return AudioProperties{
		SampleRate:      sampleRate,
		Channels:        channels,
		BytesPerChannel: sampleSizeBits / 8,
	}, nil
}

func intProperty(properties map[string]string, key string, def int) (int, error) {
	v, ok := properties[key]
	if !ok {
		return def, nil
	}
	return strconv.Atoi(v)
}

var encryptionBits = map[int]EncryptionType{
	0: EncryptionUnencrypted,
	1: EncryptionRSA,
	3: EncryptionFairPlay,
	4: EncryptionMFiSAP,
	5: EncryptionFairPlaySAPv25,
}

// ParseEncryptionTypes reads the `et` TXT property. An absent or malformed
// value yields EncryptionUnknown rather than an error, matching receivers
// that omit it entirely.
func ParseEncryptionTypes(properties map[string]string) EncryptionType {
	return parseCSVBits(properties["et"], encryptionBits)
}

var metadataBits = map[int]MetadataType{
	0: MetadataText,
	1: MetadataArtwork,
	2: MetadataProgress,
}

// ParseMetadataTypes reads the `md` TXT property.
func ParseMetadataTypes(properties map[string]string) MetadataType {
	return parseCSVBits(properties["md"], metadataBits)
}

func parseCSVBits[T ~int](raw string, table map[int]T) T {
	var out T
	if raw == "" {
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if bit, ok := table[n]; ok {
			out |= bit
		}
	}
	return out
}
