package raop

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CredentialsKind identifies which pairing/verification family a set of
// credentials selects.
type CredentialsKind int

const (
	// CredentialsNull means no credentials are configured: no
	// verification and no encryption are performed.
	CredentialsNull CredentialsKind = iota
	// CredentialsLegacy selects the AirPlay 1 SRP-based pairing;
	// Pair-Verify succeeds but never yields encryption keys.
	CredentialsLegacy
	// CredentialsHAP selects full HAP Pair-Setup/Pair-Verify with
	// enrolled long-term keys.
	CredentialsHAP
	// CredentialsTransient selects HAP Pair-Verify without enrolling
	// long-term credentials.
	CredentialsTransient
)

// Credentials holds the long-term key material used for Pair-Verify. The
// zero value is NoCredentials.
type Credentials struct {
	Kind CredentialsKind

	LongTermPublicKey []byte
	LongTermSecret    []byte
	ReceiverID        []byte
	ClientID          []byte
}

// NoCredentials is the distinguished "no pairing configured" value.
var NoCredentials = Credentials{Kind: CredentialsNull}

// TransientCredentials requests a HAP transient Pair-Verify: no long-term
// material is stored or sent.
var TransientCredentials = Credentials{Kind: CredentialsTransient}

// String encodes credentials as colon-joined lowercase hex, legacy
// (clientId:seed) when no long-term public key/receiver ID are set, full
// HAP (ltpk:ltsk:atvId:clientId) otherwise.
func (c Credentials) String() string {
	if c.Kind == CredentialsNull {
		return ""
	}
	if len(c.LongTermPublicKey) == 0 && len(c.ReceiverID) == 0 {
		return fmt.Sprintf("%s:%s", hex.EncodeToString(c.ClientID), hex.EncodeToString(c.LongTermSecret))
	}
	return fmt.Sprintf("%s:%s:%s:%s",
		hex.EncodeToString(c.LongTermPublicKey),
		hex.EncodeToString(c.LongTermSecret),
		hex.EncodeToString(c.ReceiverID),
		hex.EncodeToString(c.ClientID))
}

// ParseCredentials accepts the two-field legacy form (clientId:seed) and
// the four-field HAP form (ltpk:ltsk:atvId:clientId).
func ParseCredentials(s string) (Credentials, error) {
	if s == "" {
		return NoCredentials, nil
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		clientID, err := hex.DecodeString(parts[0])
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: invalid client id", ErrAuthentication)
		}
		seed, err := hex.DecodeString(parts[1])
		if err != nil || len(seed) != 32 {
			return Credentials{}, fmt.Errorf("%w: invalid legacy seed", ErrAuthentication)
		}
		return Credentials{Kind: CredentialsLegacy, LongTermSecret: seed, ClientID: clientID}, nil

	case 4:
		ltpk, err := hex.DecodeString(parts[0])
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: invalid ltpk", ErrAuthentication)
		}
		ltsk, err := hex.DecodeString(parts[1])
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: invalid ltsk", ErrAuthentication)
		}
		atvID, err := hex.DecodeString(parts[2])
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: invalid receiver id", ErrAuthentication)
		}
		clientID, err := hex.DecodeString(parts[3])
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: invalid client id", ErrAuthentication)
		}
		return Credentials{
			Kind:              CredentialsHAP,
			LongTermPublicKey: ltpk,
			LongTermSecret:    ltsk,
			ReceiverID:        atvID,
			ClientID:          clientID,
		}, nil

	default:
		return Credentials{}, fmt.Errorf("%w: expected 2 or 4 colon-separated fields", ErrAuthentication)
	}
}
