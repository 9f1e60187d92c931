// Package abiutil holds the canonical ABI encoders shared by every digest
// and calldata codec in the module.
package abiutil

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Elementary types
var (
	Address      = mustType("address")
	Bool         = mustType("bool")
	Bytes        = mustType("bytes")
	Bytes32      = mustType("bytes32")
	Uint8        = mustType("uint8")
	Uint48       = mustType("uint48")
	Uint256      = mustType("uint256")
	AddressArray = mustType("address[]")
	Uint256Array = mustType("uint256[]")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abiutil: bad type %s: %v", name, err))
	}
	return t
}

// Arguments builds an unnamed argument list
func Arguments(ts ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, len(ts))
	for i, t := range ts {
		args[i] = abi.Argument{Type: t}
	}
	return args
}

// Encode is abi.encode(values...) over the given types
func Encode(ts []abi.Type, values ...interface{}) ([]byte, error) {
	return Arguments(ts...).Pack(values...)
}

// Keccak is keccak256(abi.encode(values...))
func Keccak(ts []abi.Type, values ...interface{}) (common.Hash, error) {
	packed, err := Encode(ts, values...)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// Selector returns the 4-byte function selector for a canonical signature
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// SelectorOf returns the leading selector of calldata
func SelectorOf(data []byte) ([4]byte, bool) {
	var sel [4]byte
	if len(data) < 4 {
		return sel, false
	}
	copy(sel[:], data[:4])
	return sel, true
}

// MustParse parses an ABI JSON definition
func MustParse(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("abiutil: bad ABI: %v", err))
	}
	return parsed
}

// U256 converts an unsigned integer for uint256 encoding
func U256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// Unix encodes a timestamp as uint256 seconds; the zero time encodes as 0
func Unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	secs := t.Unix()
	if secs < 0 {
		return new(big.Int)
	}
	return big.NewInt(secs)
}
