package events

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attested-rebalancer/internal/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("sink down") }

func TestNew_AssignsUniqueIDs(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	a := New(PortfolioCreated, common.HexToAddress("0x1"), common.HexToAddress("0x2"), at)
	b := New(PortfolioCreated, common.HexToAddress("0x1"), common.HexToAddress("0x2"), at)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, at, a.Timestamp)
}

func TestEvent_WithDoesNotAlias(t *testing.T) {
	base := New(FeeUpdated, common.Address{}, common.Address{}, time.Now()).With("bps", "10")
	derived := base.With("recipient", "0xabc")

	assert.Len(t, base.Attributes, 1)
	assert.Len(t, derived.Attributes, 2)
	assert.Equal(t, "10", derived.Attributes["bps"])
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	for _, k := range []Kind{PortfolioCreated, StrategySubmitted, StrategyExecuted, StrategySubmitted} {
		require.NoError(t, sink.Emit(ctx, New(k, common.Address{}, common.Address{}, time.Now())))
	}

	assert.Len(t, sink.Events(), 4)
	assert.Len(t, sink.OfKind(StrategySubmitted), 2)
	assert.Empty(t, sink.OfKind(Paused))

	recent := sink.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, StrategySubmitted, recent[0].Kind)
	assert.Equal(t, StrategyExecuted, recent[1].Kind)
	assert.Len(t, sink.Recent(0), 4)
}

func TestLogSink_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithOutput(logging.LevelInfo, logging.FormatJSON, &buf)
	sink := NewLogSink(logger)

	e := New(StrategyExecuted, common.HexToAddress("0xa11ce"), common.HexToAddress("0xb0b"), time.Now()).
		WithFingerprint(common.HexToHash("0x01")).
		With("automatic", "true")
	require.NoError(t, sink.Emit(context.Background(), e))

	out := buf.String()
	assert.Contains(t, out, "StrategyExecuted")
	assert.Contains(t, out, "fingerprint")
	assert.Contains(t, out, "automatic")
}

func TestMultiSink_ReturnsFirstErrorButDeliversToAll(t *testing.T) {
	mem := NewMemorySink()
	multi := MultiSink{failingSink{}, mem}
	err := multi.Emit(context.Background(), New(Paused, common.Address{}, common.Address{}, time.Now()))
	assert.Error(t, err)
	assert.Len(t, mem.Events(), 1)
}

func TestEmit_SwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithOutput(logging.LevelInfo, logging.FormatJSON, &buf)

	Emit(context.Background(), failingSink{}, logger, New(Paused, common.Address{}, common.Address{}, time.Now()))
	assert.Contains(t, buf.String(), "Failed to emit event")

	// nil sink is a no-op
	Emit(context.Background(), nil, logger, Event{})
}
