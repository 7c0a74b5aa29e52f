package pairing

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/postlund/goraop/raop"
)

// srpPrimeHex is the RFC5054 2048-bit SRP group prime N.
const srpPrimeHex = "" +
	"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

// srpGenerator is the RFC5054 generator for the 2048-bit group.
const srpGenerator = 2

var (
	srpPrime = mustBigHex(srpPrimeHex)
	srpGen   = big.NewInt(srpGenerator)
)

func mustBigHex(h string) *big.Int {
	n, ok := new(big.Int).SetString(h, 16)
	if !ok {
		panic("pairing: invalid SRP prime constant")
	}
	return n
}

func sha512Sum(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func padToN(b *big.Int) []byte {
	out := make([]byte, (srpPrime.BitLen()+7)/8)
	bs := b.Bytes()
	copy(out[len(out)-len(bs):], bs)
	return out
}

// srpClient holds one Pair-Setup/Pair-Verify SRP-6a exchange's client-side
// state. SessionKeyFunc lets callers swap in Apple's non-standard legacy
// key derivation in place of the classic K = H(S).
type srpClient struct {
	username string
	password string

	a          *big.Int // private ephemeral
	public     *big.Int // A
	sessionKey []byte   // derived K
	proof      []byte   // M1, computed in ComputeProof

	SessionKeyFunc func(premaster *big.Int) []byte
}

func newSRPClient(username, password string) *srpClient {
	c := &srpClient{username: username, password: password}
	c.SessionKeyFunc = func(premaster *big.Int) []byte {
		return sha512Sum(padToN(premaster))
	}
	return c
}

// GeneratePublic picks a random private ephemeral and returns the client
// public value A = g^a mod N.
func (c *srpClient) GeneratePublic() ([]byte, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("pairing: failed to generate SRP private value: %w", err)
	}
	c.a = new(big.Int).SetBytes(priv)
	c.public = new(big.Int).Exp(srpGen, c.a, srpPrime)
	return padToN(c.public), nil
}

// computeX derives the SRP private key x = H(s || H(I || ":" || P)).
func computeX(salt []byte, username, password string) *big.Int {
	inner := sha512Sum([]byte(username), []byte(":"), []byte(password))
	outer := sha512Sum(salt, inner)
	return new(big.Int).SetBytes(outer)
}

// k is the SRP-6a multiplier, H(N || PAD(g)).
func srpMultiplier() *big.Int {
	return new(big.Int).SetBytes(sha512Sum(padToN(srpPrime), padToN(srpGen)))
}

// ProcessServerValues consumes the server's public value B and salt s,
// computes the shared premaster secret, derives the session key via
// SessionKeyFunc, and returns the client proof M1.
func (c *srpClient) ProcessServerValues(serverPublic, salt []byte) ([]byte, error) {
	b := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(b, srpPrime).Sign() == 0 {
		return nil, fmt.Errorf("%w: server public value is a multiple of N", raop.ErrAuthentication)
	}

	u := new(big.Int).SetBytes(sha512Sum(padToN(c.public), padToN(b)))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("%w: SRP scrambling parameter u is zero", raop.ErrAuthentication)
	}

	x := computeX(salt, c.username, c.password)
	k := srpMultiplier()

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(srpGen, x, srpPrime)
	kgx := new(big.Int).Mul(k, gx)
	kgx.Mod(kgx, srpPrime)
	base := new(big.Int).Sub(b, kgx)
	base.Mod(base, srpPrime)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	premaster := new(big.Int).Exp(base, exp, srpPrime)
	c.sessionKey = c.SessionKeyFunc(premaster)

	hn := sha512Sum(padToN(srpPrime))
	hg := sha512Sum(padToN(srpGen))
	xorHash := make([]byte, len(hn))
	for i := range xorHash {
		xorHash[i] = hn[i] ^ hg[i]
	}
	hi := sha512Sum([]byte(c.username))

	c.proof = sha512Sum(xorHash, hi, salt, padToN(c.public), padToN(b), c.sessionKey)
	return c.proof, nil
}

// VerifyServerProof checks the server's proof M2 = H(A || M1 || K)
// against what was received, guarding against a man-in-the-middle.
func (c *srpClient) VerifyServerProof(serverProof []byte) error {
	expected := sha512Sum(padToN(c.public), c.proof, c.sessionKey)
	if !constantTimeEqual(expected, serverProof) {
		return fmt.Errorf("%w: SRP server proof mismatch (possible MITM)", raop.ErrAuthentication)
	}
	return nil
}

// SessionKey returns the derived session key K, valid after
// ProcessServerValues.
func (c *srpClient) SessionKey() []byte {
	return c.sessionKey
}

// PublicKey returns the client's public value A, padded to N's width.
func (c *srpClient) PublicKey() []byte {
	return padToN(c.public)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
