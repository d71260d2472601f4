package keystore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

const (
	hkdfInfoEd25519    = "channel-hub/signing/ed25519/v1"
	hkdfInfoDilithium3 = "channel-hub/signing/dilithium3/v1"
)

var (
	ErrNoKeyMaterial   = errors.New("no signing seed or mnemonic configured")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// KeySpec describes where a node's signing key comes from. Exactly one of
// SeedHex or Mnemonic is expected.
type KeySpec struct {
	Alg        string `yaml:"alg"`
	SeedHex    string `yaml:"seed_hex"`
	Mnemonic   string `yaml:"mnemonic"`
	Passphrase string `yaml:"passphrase"`
}

// FromEnv reads a key spec.
// CHANNEL_SIGNING_ALG selects ed25519 (default) or dilithium3.
// CHANNEL_SIGNING_SEED is hex key material; CHANNEL_MNEMONIC a BIP-39 phrase
// with optional CHANNEL_MNEMONIC_PASSPHRASE.
func FromEnv() KeySpec {
	return KeySpec{
		Alg:        os.Getenv("CHANNEL_SIGNING_ALG"),
		SeedHex:    os.Getenv("CHANNEL_SIGNING_SEED"),
		Mnemonic:   os.Getenv("CHANNEL_MNEMONIC"),
		Passphrase: os.Getenv("CHANNEL_MNEMONIC_PASSPHRASE"),
	}
}

// Merge fills empty fields of s from other.
func (s KeySpec) Merge(other KeySpec) KeySpec {
	if s.Alg == "" {
		s.Alg = other.Alg
	}
	if s.SeedHex == "" && s.Mnemonic == "" {
		s.SeedHex = other.SeedHex
		s.Mnemonic = other.Mnemonic
		s.Passphrase = other.Passphrase
	}
	return s
}

// LoadSigner derives the node signer described by spec. The same spec
// always yields the same identity.
func LoadSigner(spec KeySpec) (protocol.Signer, error) {
	master, err := masterSeed(spec)
	if err != nil {
		return nil, err
	}
	switch alg := strings.ToLower(strings.TrimSpace(spec.Alg)); alg {
	case "", protocol.AlgEd25519:
		seed, err := hkdfExpand(master, hkdfInfoEd25519, ed25519.SeedSize)
		if err != nil {
			return nil, err
		}
		return protocol.NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
	case protocol.AlgDilithium3:
		seed, err := hkdfExpand(master, hkdfInfoDilithium3, mode3.SeedSize)
		if err != nil {
			return nil, err
		}
		return protocol.NewDilithium3SignerFromSeed(seed)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// NewMnemonic returns a fresh 24-word BIP-39 phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func masterSeed(spec KeySpec) ([]byte, error) {
	if mnemonic := strings.Join(strings.Fields(spec.Mnemonic), " "); mnemonic != "" {
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, ErrInvalidMnemonic
		}
		return bip39.NewSeed(mnemonic, spec.Passphrase), nil
	}
	raw := strings.TrimPrefix(strings.TrimSpace(spec.SeedHex), "0x")
	if raw == "" {
		return nil, ErrNoKeyMaterial
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid signing seed: %w", err)
	}
	if len(seed) < 32 {
		return nil, errors.New("signing seed must be at least 32 bytes")
	}
	return seed, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
