package types

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestSessionKey_AllowsSelector(t *testing.T) {
	sel := [4]byte{0xde, 0xad, 0xbe, 0xef}
	other := [4]byte{0x01, 0x02, 0x03, 0x04}

	t.Run("empty selector list is unscoped", func(t *testing.T) {
		k := &SessionKey{}
		assert.True(t, k.AllowsSelector(sel))
	})

	t.Run("scoped list matches exactly", func(t *testing.T) {
		k := &SessionKey{AllowedSelectors: [][4]byte{sel}}
		assert.True(t, k.AllowsSelector(sel))
		assert.False(t, k.AllowsSelector(other))
	})
}

func TestSessionKey_AllowsTarget(t *testing.T) {
	target := common.HexToAddress("0x1000000000000000000000000000000000000001")
	k := &SessionKey{AllowedTargets: []common.Address{target}}

	assert.True(t, k.AllowsTarget(target))
	assert.False(t, k.AllowsTarget(common.HexToAddress("0x2")))
	assert.False(t, (&SessionKey{}).AllowsTarget(target), "empty target list allows nothing")
}

func TestSessionKey_RemainingSpend(t *testing.T) {
	tests := []struct {
		name  string
		limit *big.Int
		spent *big.Int
		want  *big.Int
	}{
		{name: "nil limit is unlimited", limit: nil, spent: nil, want: nil},
		{name: "zero limit is unlimited", limit: big.NewInt(0), spent: big.NewInt(5), want: nil},
		{name: "nil spent counts as zero", limit: big.NewInt(100), spent: nil, want: big.NewInt(100)},
		{name: "partially spent", limit: big.NewInt(100), spent: big.NewInt(40), want: big.NewInt(60)},
		{name: "overspent clamps to zero", limit: big.NewInt(100), spent: big.NewInt(140), want: big.NewInt(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &SessionKey{SpendLimit: tt.limit, Spent: tt.spent}
			got := k.RemainingSpend()
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, 0, tt.want.Cmp(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestRiskReport_IsZero(t *testing.T) {
	assert.True(t, RiskReport{}.IsZero())
	assert.True(t, RiskReport{PortfolioRisk: 80}.IsZero(), "scores without timestamp are still 'no report'")
	assert.False(t, RiskReport{Timestamp: time.Unix(1, 0)}.IsZero())
}

func TestStrategy_Assets(t *testing.T) {
	a := common.HexToAddress("0xa")
	b := common.HexToAddress("0xb")
	s := &Strategy{Allocations: []Allocation{{Asset: a, Bps: 6000}, {Asset: b, Bps: 4000}}}

	assert.Equal(t, []common.Address{a, b}, s.Assets())
}
