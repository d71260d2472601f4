package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signing algorithms. Identities are "<alg>:<base64 public key>".
const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// Signer signs commitment digests on behalf of one channel owner.
type Signer interface {
	Identity() string
	Sign(digest []byte) (string, error)
}

// Ed25519Signer signs with an ed25519 key.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	identity string
}

func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key")
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		priv:     priv,
		identity: AlgEd25519 + ":" + base64.StdEncoding.EncodeToString(pub),
	}, nil
}

func (s *Ed25519Signer) Identity() string { return s.identity }

func (s *Ed25519Signer) Sign(digest []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest)), nil
}

// Dilithium3Signer signs with a post-quantum Dilithium mode 3 key.
type Dilithium3Signer struct {
	priv     *mode3.PrivateKey
	identity string
}

func NewDilithium3Signer(pub *mode3.PublicKey, priv *mode3.PrivateKey) (*Dilithium3Signer, error) {
	if pub == nil || priv == nil {
		return nil, errors.New("missing dilithium3 key")
	}
	return &Dilithium3Signer{
		priv:     priv,
		identity: AlgDilithium3 + ":" + base64.StdEncoding.EncodeToString(pub.Bytes()),
	}, nil
}

// NewDilithium3SignerFromSeed derives a deterministic keypair from seed.
func NewDilithium3SignerFromSeed(seed []byte) (*Dilithium3Signer, error) {
	if len(seed) != mode3.SeedSize {
		return nil, fmt.Errorf("dilithium3 seed must be %d bytes", mode3.SeedSize)
	}
	var s [mode3.SeedSize]byte
	copy(s[:], seed)
	pub, priv := mode3.NewKeyFromSeed(&s)
	return NewDilithium3Signer(pub, priv)
}

func (s *Dilithium3Signer) Identity() string { return s.identity }

func (s *Dilithium3Signer) Sign(digest []byte) (string, error) {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest, sig)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ParseIdentity splits an identity into algorithm and raw public key.
func ParseIdentity(identity string) (string, []byte, error) {
	alg, encoded, ok := strings.Cut(strings.TrimSpace(identity), ":")
	if !ok {
		return "", nil, fmt.Errorf("identity %q has no algorithm prefix", identity)
	}
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("invalid public key: %w", err)
	}
	return alg, pub, nil
}

// Verify checks sig over digest against the identity's public key.
func Verify(identity string, digest []byte, sig string) error {
	alg, pub, err := ParseIdentity(identity)
	if err != nil {
		return Wrap(KindSignatureInvalid, err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return Errorf(KindSignatureInvalid, "invalid signature encoding: %v", err)
	}
	switch alg {
	case AlgEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return Errorf(KindSignatureInvalid, "invalid ed25519 public key size")
		}
		if len(raw) != ed25519.SignatureSize {
			return Errorf(KindSignatureInvalid, "invalid ed25519 signature size")
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, raw) {
			return Errorf(KindSignatureInvalid, "signature by %s does not verify", identity)
		}
		return nil
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return Errorf(KindSignatureInvalid, "invalid dilithium3 public key: %v", err)
		}
		if len(raw) != mode3.SignatureSize {
			return Errorf(KindSignatureInvalid, "invalid dilithium3 signature size")
		}
		if !mode3.Verify(&pk, digest, raw) {
			return Errorf(KindSignatureInvalid, "signature by %s does not verify", identity)
		}
		return nil
	default:
		return Errorf(KindSignatureInvalid, "unsupported signing algorithm %q", alg)
	}
}
