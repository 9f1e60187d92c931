package storage

import (
	"testing"
	"time"

	"github.com/attested-rebalancer/internal/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(subject common.Address, at time.Time) events.Event {
	return events.New(events.RiskAnalysisSubmitted, common.HexToAddress("0xa11ce"), subject, at).
		With("score", "42")
}

func TestPostgresEventRepository(t *testing.T) {
	db := testPostgres(t)
	repo := NewPostgresEventRepository(db)
	ctx := testContext(t)

	subject := common.BytesToAddress([]byte(time.Now().Format(time.RFC3339Nano)))
	first := sampleEvent(subject, time.Now().Add(-time.Minute).Truncate(time.Millisecond))
	second := sampleEvent(subject, time.Now().Truncate(time.Millisecond))

	require.NoError(t, repo.Emit(ctx, first))
	require.NoError(t, repo.Emit(ctx, second))
	require.NoError(t, repo.Emit(ctx, second), "re-emitting an id is a no-op")

	got, err := repo.BySubject(ctx, subject, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, "42", got[0].Attributes["score"])
	assert.Equal(t, subject, got[1].Subject)

	recent, err := repo.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	counts, err := repo.CountByKind(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[events.RiskAnalysisSubmitted], uint64(2))
}

func TestClickHouseEventRepository(t *testing.T) {
	db := testClickHouse(t)
	repo := NewClickHouseEventRepository(db)
	ctx := testContext(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	subject := common.BytesToAddress([]byte(now.Format(time.RFC3339Nano)))
	batch := []events.Event{
		sampleEvent(subject, now.Add(-time.Minute)),
		sampleEvent(subject, now),
	}
	require.NoError(t, repo.EmitBatch(ctx, batch))
	require.NoError(t, repo.EmitBatch(ctx, nil))

	recent, err := repo.Recent(ctx, 2)
	require.NoError(t, err)
	require.NotEmpty(t, recent)

	counts, err := repo.HourlyCounts(ctx, now.Add(-2*time.Hour))
	require.NoError(t, err)
	var total uint64
	for _, c := range counts {
		if c.Kind == events.RiskAnalysisSubmitted {
			total += c.Count
		}
	}
	assert.GreaterOrEqual(t, total, uint64(2))
}
