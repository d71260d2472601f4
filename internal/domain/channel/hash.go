package channel

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// HashJSON returns the hex keccak256 digest of v's JSON encoding.
func HashJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(Keccak256(raw)), nil
}

// SortedOwners returns a sorted copy of owners with surrounding space trimmed.
func SortedOwners(owners []string) []string {
	out := make([]string, 0, len(owners))
	for _, o := range owners {
		out = append(out, strings.TrimSpace(o))
	}
	sort.Strings(out)
	return out
}

// DeriveMultisigAddress computes the channel address for a pair of owners.
// The result does not depend on the order owners are given in.
func DeriveMultisigAddress(owners []string) (string, error) {
	sorted := SortedOwners(owners)
	if len(sorted) != 2 {
		return "", ErrInvalidOwners
	}
	if sorted[0] == "" || sorted[1] == "" {
		return "", ErrInvalidOwners
	}
	if sorted[0] == sorted[1] {
		return "", errors.New("channel owners must be distinct")
	}
	raw, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	digest := Keccak256([]byte("channel-hub/multisig"), raw)
	return "0x" + hex.EncodeToString(digest[len(digest)-20:]), nil
}

type identityPreimage struct {
	MultisigAddress string          `json:"multisigAddress"`
	Participants    []string        `json:"participants"`
	AppDefinition   string          `json:"appDefinition"`
	InitialState    json.RawMessage `json:"initialState"`
	Timeout         int64           `json:"timeout"`
	AppSeqNo        int64           `json:"appSeqNo"`
}

// ComputeIdentityHash derives an app's identity hash from its defining parameters.
func ComputeIdentityHash(multisig string, participants []string, appDefinition string, initialState json.RawMessage, timeout, appSeqNo int64) (string, error) {
	if len(initialState) == 0 {
		initialState = json.RawMessage("null")
	}
	return HashJSON(identityPreimage{
		MultisigAddress: multisig,
		Participants:    participants,
		AppDefinition:   appDefinition,
		InitialState:    initialState,
		Timeout:         timeout,
		AppSeqNo:        appSeqNo,
	})
}

func freeBalanceIdentityHash(multisig string, owners []string) (string, error) {
	return ComputeIdentityHash(multisig, owners, FreeBalanceAppDefinition, nil, 0, 0)
}
