package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/attested-rebalancer/internal/events"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultRecentLimit bounds Recent queries given a non-positive limit
const DefaultRecentLimit = 100

// MaxRecentLimit caps every Recent query
const MaxRecentLimit = 1000

// eventRecord is the column layout shared by both event tables. Addresses
// and fingerprints are stored lowercase hex, an absent fingerprint as "".
type eventRecord struct {
	ID          string
	Kind        string
	Contract    string
	Subject     string
	Fingerprint string
	Attributes  map[string]string
	OccurredAt  time.Time
}

func toRecord(e events.Event) eventRecord {
	rec := eventRecord{
		ID:         e.ID,
		Kind:       string(e.Kind),
		Contract:   strings.ToLower(e.Contract.Hex()),
		Subject:    strings.ToLower(e.Subject.Hex()),
		Attributes: e.Attributes,
		OccurredAt: e.Timestamp.UTC(),
	}
	if e.Fingerprint != (common.Hash{}) {
		rec.Fingerprint = e.Fingerprint.Hex()
	}
	if rec.Attributes == nil {
		rec.Attributes = map[string]string{}
	}
	return rec
}

func (r eventRecord) event() events.Event {
	e := events.Event{
		ID:         r.ID,
		Kind:       events.Kind(r.Kind),
		Contract:   common.HexToAddress(r.Contract),
		Subject:    common.HexToAddress(r.Subject),
		Timestamp:  r.OccurredAt.UTC(),
		Attributes: r.Attributes,
	}
	if r.Fingerprint != "" {
		e.Fingerprint = common.HexToHash(r.Fingerprint)
	}
	if len(e.Attributes) == 0 {
		e.Attributes = nil
	}
	return e
}

func (r eventRecord) attributesJSON() ([]byte, error) {
	raw, err := json.Marshal(r.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event attributes: %w", err)
	}
	return raw, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
