package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

func TestEd25519SignAndVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewEd25519Signer(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	digest := RejectDigest("0xabc", "0x01")
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(signer.Identity(), digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := RejectDigest("0xabc", "0x02")
	err = Verify(signer.Identity(), tampered, sig)
	if KindOf(err) != KindSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID after tamper, got %v", err)
	}
}

func TestDilithium3SignAndVerify(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	signer, err := NewDilithium3SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	again, err := NewDilithium3SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.Identity() != again.Identity() {
		t.Fatalf("expected deterministic identity from seed")
	}

	digest := WithdrawalCommitment{MultisigAddress: "0xabc", AssetID: "ETH", Recipient: "0xdef", Amount: big.NewInt(5), Nonce: "1"}.Digest()
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(signer.Identity(), digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(signer.Identity(), RejectDigest("0xabc", "0x01"), sig); err == nil {
		t.Fatalf("expected verify failure for other digest")
	}
}

func TestVerifyRejectsUnknownAlgorithm(t *testing.T) {
	err := Verify("rsa:AAAA", []byte("digest"), "AAAA")
	if KindOf(err) != KindSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestDecodeParams(t *testing.T) {
	raw, _ := json.Marshal(InstallParams{MultisigAddress: "0xabc", AppIdentityHash: "0x01"})
	p, err := DecodeParams(Install, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	install, ok := p.(InstallParams)
	if !ok {
		t.Fatalf("expected InstallParams, got %T", p)
	}
	if install.AppID() != "0x01" || install.Multisig() != "0xabc" {
		t.Fatalf("unexpected params: %+v", install)
	}

	if _, err := DecodeParams(Name("dance"), raw); KindOf(err) != KindUnknownProtocol {
		t.Fatalf("expected UNKNOWN_PROTOCOL, got %v", err)
	}
	if _, err := DecodeParams(Install, json.RawMessage(`{"multisig_address":"0xabc","app_identity_hash":"0x01","extra":1}`)); KindOf(err) != KindInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for unknown field, got %v", err)
	}
	if _, err := DecodeParams(Install, json.RawMessage(`{"multisig_address":"0xabc"}`)); KindOf(err) != KindInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for missing hash, got %v", err)
	}
}

func TestDecodeRequestLeavesDerivedFieldsEmpty(t *testing.T) {
	p, err := DecodeRequest(Install, json.RawMessage(`{"app_identity_hash":"0x01"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Multisig() != "" {
		t.Fatalf("unexpected multisig %q", p.Multisig())
	}
	if _, err := DecodeParams(Install, json.RawMessage(`{"app_identity_hash":"0x01"}`)); KindOf(err) != KindInvalidParams {
		t.Fatalf("expected INVALID_PARAMS from DecodeParams, got %v", err)
	}
	if _, err := DecodeRequest(Propose, json.RawMessage(`{"multisig_address":"0xabc","bogus":true}`)); KindOf(err) != KindInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for unknown field, got %v", err)
	}
	if _, err := DecodeRequest(Install, nil); KindOf(err) != KindInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for empty body, got %v", err)
	}
}

func TestMessageValidateBasic(t *testing.T) {
	raw, _ := json.Marshal(SyncParams{MultisigAddress: "0xabc"})
	msg := Message{ProcessID: "p1", Protocol: Sync, Seq: FirstSeqNo, From: "a", To: "b", Params: raw}
	if err := msg.ValidateBasic(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	reply := msg.Reply()
	if !reply.IsReply() || reply.From != "b" || reply.To != "a" || reply.ProcessID != "p1" {
		t.Fatalf("unexpected reply envelope: %+v", reply)
	}
	if err := reply.ValidateBasic(); err != nil {
		t.Fatalf("validate reply: %v", err)
	}

	msg.Seq = 0
	if err := msg.ValidateBasic(); err == nil {
		t.Fatalf("expected seq 0 to be rejected")
	}
	msg.Seq = FirstSeqNo
	msg.Protocol = "dance"
	if err := msg.ValidateBasic(); KindOf(err) != KindUnknownProtocol {
		t.Fatalf("expected UNKNOWN_PROTOCOL, got %v", err)
	}
}

func TestKindOfAndDivergence(t *testing.T) {
	cases := []struct {
		err        error
		kind       Kind
		divergence bool
	}{
		{fmt.Errorf("install: %w", channel.ErrProposalNotFound), KindNoSuchProposal, true},
		{channel.ErrAppNotFound, KindNoSuchAppInstance, true},
		{channel.ErrStaleVersion, KindStaleVersionNumber, true},
		{channel.ErrInsufficientBalance, KindInvalidParams, false},
		{Errorf(KindSignatureInvalid, "bad"), KindSignatureInvalid, false},
		{Errorf(KindMessageTimeout, "slow"), KindMessageTimeout, true},
		{errors.New("boom"), KindInternal, false},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.kind)
		}
		if got := IsDivergence(tc.err); got != tc.divergence {
			t.Fatalf("IsDivergence(%v) = %t, want %t", tc.err, got, tc.divergence)
		}
	}

	wire := ToWire(channel.ErrAppNotFound)
	if KindOf(wire.Err()) != KindNoSuchAppInstance {
		t.Fatalf("wire round trip lost kind: %+v", wire)
	}
}
