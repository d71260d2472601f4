package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/execution-hub/channel-hub/internal/infrastructure/keystore"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

type output struct {
	Alg      string `json:"alg"`
	Identity string `json:"identity"`
	Mnemonic string `json:"mnemonic,omitempty"`
	SeedHex  string `json:"seed_hex,omitempty"`
}

func main() {
	var (
		alg        string
		mode       string
		mnemonic   string
		seedHex    string
		passphrase string
		format     string
	)
	flag.StringVar(&alg, "alg", protocol.AlgEd25519, "signing algorithm: ed25519|dilithium3")
	flag.StringVar(&mode, "mode", "mnemonic", "fresh key material: mnemonic|seed")
	flag.StringVar(&mnemonic, "mnemonic", "", "existing BIP-39 phrase; prints its identity")
	flag.StringVar(&seedHex, "seed", "", "existing hex seed; prints its identity")
	flag.StringVar(&passphrase, "passphrase", "", "BIP-39 passphrase")
	flag.StringVar(&format, "format", "json", "output: json|env")
	flag.Parse()

	spec := keystore.KeySpec{Alg: alg, SeedHex: seedHex, Mnemonic: mnemonic, Passphrase: passphrase}
	if spec.SeedHex == "" && spec.Mnemonic == "" {
		var err error
		spec, err = fresh(spec, mode)
		if err != nil {
			log.Fatalf("generate key material: %v", err)
		}
	}

	signer, err := keystore.LoadSigner(spec)
	if err != nil {
		log.Fatalf("load signer: %v", err)
	}
	out := output{
		Alg:      strings.ToLower(alg),
		Identity: signer.Identity(),
		Mnemonic: spec.Mnemonic,
		SeedHex:  spec.SeedHex,
	}

	switch format {
	case "env":
		fmt.Printf("CHANNEL_SIGNING_ALG=%s\n", out.Alg)
		if out.Mnemonic != "" {
			fmt.Printf("CHANNEL_MNEMONIC=%q\n", out.Mnemonic)
			if spec.Passphrase != "" {
				fmt.Printf("CHANNEL_MNEMONIC_PASSPHRASE=%q\n", spec.Passphrase)
			}
		} else {
			fmt.Printf("CHANNEL_SIGNING_SEED=%s\n", out.SeedHex)
		}
		fmt.Printf("# identity %s\n", out.Identity)
	default:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			log.Fatalf("encode output: %v", err)
		}
	}
}

func fresh(spec keystore.KeySpec, mode string) (keystore.KeySpec, error) {
	switch mode {
	case "mnemonic":
		phrase, err := keystore.NewMnemonic()
		if err != nil {
			return spec, err
		}
		spec.Mnemonic = phrase
	case "seed":
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return spec, err
		}
		spec.SeedHex = hex.EncodeToString(buf)
	default:
		return spec, fmt.Errorf("unknown mode %q", mode)
	}
	return spec, nil
}
