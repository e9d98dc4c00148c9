package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockHubCloseIsRepeatable(t *testing.T) {
	hub := NewMockHub()
	ctx := context.Background()

	handle, err := hub.Open(ctx, "copier-1", "channel-hub", Balances{Party: 10_000})
	require.NoError(t, err)

	first, err := hub.Close(ctx, handle, Balances{Party: 9_500})
	require.NoError(t, err)
	require.NotEmpty(t, first.StateHash)

	// A second close hands back the original proof instead of erroring, so a
	// settlement attempt that failed after the close can retry.
	second, err := hub.Close(ctx, handle, Balances{Party: 9_500})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Trading on a closed channel still fails.
	_, err = hub.Execute(ctx, handle, TradeLeg{TradeID: "trade-1"}, Balances{Party: 9_000})
	assert.Error(t, err)
}

func TestMockHubSettleIsIdempotent(t *testing.T) {
	hub := NewMockHub()
	ctx := context.Background()

	proof := Proof{ChannelID: "CH_1", Sequence: 1}
	first, err := hub.Settle(ctx, "CH_1", "copier-1", "leader-1", 9_500, 50, proof)
	require.NoError(t, err)

	second, err := hub.Settle(ctx, "CH_1", "copier-1", "leader-1", 9_500, 50, proof)
	require.NoError(t, err)
	assert.Equal(t, first.TxRef, second.TxRef)
}
