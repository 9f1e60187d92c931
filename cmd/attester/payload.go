package main

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/attested-rebalancer/internal/attestation"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// Payload kinds
const (
	KindRiskReport = "risk-report"
	KindAutomatic  = "automatic"
)

// Payload is the YAML document an analysis job hands to the attester
type Payload struct {
	Kind   string `yaml:"kind"`
	Owner  string `yaml:"owner"`
	Report struct {
		Concentration uint8 `yaml:"concentration"`
		Protocol      uint8 `yaml:"protocol"`
		Correlation   uint8 `yaml:"correlation"`
		Liquidity     uint8 `yaml:"liquidity"`
		Leverage      uint8 `yaml:"leverage"`
		Portfolio     uint8 `yaml:"portfolio"`
	} `yaml:"report"`
	Allocations []struct {
		Asset string `yaml:"asset"`
		Bps   uint16 `yaml:"bps"`
	} `yaml:"allocations"`
	DeviationBps uint64        `yaml:"deviation_bps"`
	Validity     time.Duration `yaml:"validity"`
	// SubmittedAt is the unix second the ledger will fingerprint the
	// strategy at; zero means the signing time
	SubmittedAt int64 `yaml:"submitted_at"`
}

// Signed is an attestation ready to relay
type Signed struct {
	Kind        string
	Owner       common.Address
	Digest      common.Hash
	Fingerprint common.Hash
	Signer      common.Address
	Signature   hexutil.Bytes
	// Body is the JSON request for the relay endpoint
	Body map[string]interface{}
}

// ParsePayload decodes a YAML payload
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if !common.IsHexAddress(p.Owner) {
		return nil, fmt.Errorf("owner must be a hex address, got %q", p.Owner)
	}
	return &p, nil
}

func (p *Payload) report() types.RiskReport {
	return types.RiskReport{
		ConcentrationRisk: p.Report.Concentration,
		ProtocolRisk:      p.Report.Protocol,
		CorrelationRisk:   p.Report.Correlation,
		LiquidityRisk:     p.Report.Liquidity,
		LeverageRisk:      p.Report.Leverage,
		PortfolioRisk:     p.Report.Portfolio,
	}
}

func (p *Payload) allocations() ([]types.Allocation, error) {
	out := make([]types.Allocation, len(p.Allocations))
	for i, a := range p.Allocations {
		if !common.IsHexAddress(a.Asset) {
			return nil, fmt.Errorf("allocation %d: asset must be a hex address, got %q", i, a.Asset)
		}
		out[i] = types.Allocation{Asset: common.HexToAddress(a.Asset), Bps: a.Bps}
	}
	return out, nil
}

// Sign attests the payload with key
func Sign(p *Payload, key *ecdsa.PrivateKey, now time.Time) (*Signed, error) {
	owner := common.HexToAddress(p.Owner)
	signed := &Signed{
		Kind:   p.Kind,
		Owner:  owner,
		Signer: crypto.PubkeyToAddress(key.PublicKey),
	}

	switch p.Kind {
	case KindRiskReport:
		report := p.report()
		for i, s := range report.Scores() {
			if s > types.MaxRiskScore {
				return nil, fmt.Errorf("score %d is %d, above %d", i, s, types.MaxRiskScore)
			}
		}
		digest, err := attestation.RiskReportDigest(owner, report)
		if err != nil {
			return nil, err
		}
		signed.Digest = digest
		if signed.Signature, err = attestation.Sign(digest, key); err != nil {
			return nil, err
		}
		signed.Body = map[string]interface{}{
			"owner": owner,
			"report": map[string]uint8{
				"concentrationRisk": report.ConcentrationRisk,
				"protocolRisk":      report.ProtocolRisk,
				"correlationRisk":   report.CorrelationRisk,
				"liquidityRisk":     report.LiquidityRisk,
				"leverageRisk":      report.LeverageRisk,
				"portfolioRisk":     report.PortfolioRisk,
			},
			"signature": signed.Signature,
		}

	case KindAutomatic:
		allocations, err := p.allocations()
		if err != nil {
			return nil, err
		}
		if p.Validity <= 0 || p.Validity > types.MaxValidityPeriod {
			return nil, fmt.Errorf("validity must be within (0, %s]", types.MaxValidityPeriod)
		}
		at := now
		if p.SubmittedAt > 0 {
			at = time.Unix(p.SubmittedAt, 0)
		}
		fp, err := attestation.StrategyFingerprint(owner, allocations, at)
		if err != nil {
			return nil, err
		}
		assets, _ := attestation.SplitAllocations(allocations)
		digest, err := attestation.StrategyDigest(owner, fp, assets)
		if err != nil {
			return nil, err
		}
		signed.Digest, signed.Fingerprint = digest, fp
		if signed.Signature, err = attestation.Sign(digest, key); err != nil {
			return nil, err
		}
		signed.Body = map[string]interface{}{
			"owner":           owner,
			"deviationBps":    p.DeviationBps,
			"allocations":     allocations,
			"validitySeconds": int64(p.Validity / time.Second),
			"signature":       signed.Signature,
		}

	default:
		return nil, fmt.Errorf("unknown payload kind %q (want %s or %s)", p.Kind, KindRiskReport, KindAutomatic)
	}
	return signed, nil
}
