// Package main signs risk reports and automatic rebalance proposals with the
// attester key, producing request bodies for the relay API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/attested-rebalancer/internal/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/olekukonko/tablewriter"
)

func main() {
	var (
		keyPath  = flag.String("key", "", "Hex private key file (defaults to ATTESTER_KEY_PATH)")
		in       = flag.String("in", "", "YAML payload file, - for stdin")
		asJSON   = flag.Bool("json", false, "Print only the relay request body")
		generate = flag.Bool("generate", false, "Write a fresh key to -key and print its address")
	)
	flag.Parse()

	if *keyPath == "" {
		if cfg, err := config.LoadConfig(); err == nil {
			*keyPath = cfg.Trust.AttesterKeyPath
		}
	}
	if *keyPath == "" {
		fail(fmt.Errorf("no key file: pass -key or set ATTESTER_KEY_PATH"))
	}

	if *generate {
		key, err := crypto.GenerateKey()
		if err != nil {
			fail(err)
		}
		if err := crypto.SaveECDSA(*keyPath, key); err != nil {
			fail(err)
		}
		fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
		return
	}

	key, err := crypto.LoadECDSA(*keyPath)
	if err != nil {
		fail(fmt.Errorf("load key: %w", err))
	}
	raw, err := readInput(*in)
	if err != nil {
		fail(err)
	}
	payload, err := ParsePayload(raw)
	if err != nil {
		fail(err)
	}
	signed, err := Sign(payload, key, time.Now())
	if err != nil {
		fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(signed.Body); err != nil {
			fail(err)
		}
		return
	}
	render(os.Stdout, signed)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path) // #nosec G304 - operator-supplied payload path
}

func render(w io.Writer, s *Signed) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("kind", s.Kind)
	table.Append("owner", s.Owner.Hex())
	table.Append("signer", s.Signer.Hex())
	table.Append("digest", s.Digest.Hex())
	if s.Fingerprint != (common.Hash{}) {
		table.Append("fingerprint", s.Fingerprint.Hex())
	}
	table.Append("signature", s.Signature.String())
	table.Render()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "attester: %v\n", err)
	os.Exit(1)
}
