package protocol

import (
	"encoding/hex"
	"encoding/json"
	"math/big"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// SetStateCommitment binds an app identity to one version of its state.
type SetStateCommitment struct {
	MultisigAddress string `json:"multisig_address"`
	AppIdentityHash string `json:"app_identity_hash"`
	VersionNumber   int64  `json:"version_number"`
	StateHash       string `json:"state_hash"`
	Timeout         int64  `json:"timeout"`
}

// Digest is the keccak256 digest both parties sign.
func (c SetStateCommitment) Digest() []byte {
	return digestOf("set-state", c)
}

// FreeBalanceCommitment commits to the channel's current free balance.
func FreeBalanceCommitment(ch *channel.Channel) (SetStateCommitment, error) {
	balances := ch.FreeBalance.Balances
	if balances == nil {
		balances = channel.Balances{}
	}
	stateHash, err := channel.HashJSON(balances)
	if err != nil {
		return SetStateCommitment{}, err
	}
	return SetStateCommitment{
		MultisigAddress: ch.MultisigAddress,
		AppIdentityHash: ch.FreeBalance.IdentityHash,
		VersionNumber:   ch.FreeBalance.LatestVersionNumber,
		StateHash:       stateHash,
	}, nil
}

// AppCommitment commits to an app's latest state.
func AppCommitment(multisig string, app channel.AppInstance) (SetStateCommitment, error) {
	stateHash, err := channel.HashJSON(app.LatestState)
	if err != nil {
		return SetStateCommitment{}, err
	}
	return SetStateCommitment{
		MultisigAddress: multisig,
		AppIdentityHash: app.IdentityHash,
		VersionNumber:   app.LatestVersionNumber,
		StateHash:       stateHash,
		Timeout:         app.Timeout,
	}, nil
}

// InstallDigest covers the adjusted free balance and the new app's first state.
func InstallDigest(ch *channel.Channel, app channel.AppInstance) ([]byte, error) {
	fb, err := FreeBalanceCommitment(ch)
	if err != nil {
		return nil, err
	}
	ac, err := AppCommitment(ch.MultisigAddress, app)
	if err != nil {
		return nil, err
	}
	return channel.Keccak256([]byte("install"), fb.Digest(), ac.Digest()), nil
}

// ProposalDigest covers a proposal record.
func ProposalDigest(p channel.Proposal) []byte {
	return digestOf("propose", p)
}

// RejectDigest covers the removal of a proposal.
func RejectDigest(multisig, identityHash string) []byte {
	return digestOf("reject-install", map[string]string{
		"multisig_address":  multisig,
		"app_identity_hash": identityHash,
	})
}

// WithdrawalCommitment authorises moving funds out of the multisig.
type WithdrawalCommitment struct {
	MultisigAddress string   `json:"multisig_address"`
	AssetID         string   `json:"asset_id"`
	Recipient       string   `json:"recipient"`
	Amount          *big.Int `json:"amount"`
	Nonce           string   `json:"nonce"`
}

func (c WithdrawalCommitment) Digest() []byte {
	return digestOf("withdraw", c)
}

// SyncDigest covers a sync request or reply. ch may be nil when the
// sender holds no record of the channel.
func SyncDigest(multisig string, ch *channel.Channel) ([]byte, error) {
	raw := []byte("null")
	if ch != nil {
		var err error
		if raw, err = ch.CanonicalJSON(); err != nil {
			return nil, err
		}
	}
	return channel.Keccak256([]byte("sync"), []byte(multisig), raw), nil
}

// HexDigest renders a digest for the message envelope.
func HexDigest(d []byte) string {
	return "0x" + hex.EncodeToString(d)
}

func digestOf(tag string, v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// every committed type is plain data
		panic(err)
	}
	return channel.Keccak256([]byte(tag), raw)
}
