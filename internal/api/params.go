package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
)

func pathAddress(r *http.Request, name string) (common.Address, error) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", name)
	}
	return common.HexToAddress(raw), nil
}

func parseHash(name, raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%s must be 32 bytes of 0x-prefixed hex", name)
	}
	return common.BytesToHash(b), nil
}

func pathHash(r *http.Request, name string) (common.Hash, error) {
	return parseHash(name, mux.Vars(r)[name])
}

// queryLimit reads ?limit=, defaulting when absent
func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}

func badRequest(w http.ResponseWriter, err error) {
	respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
}
