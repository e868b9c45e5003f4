package intent_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/intent"
	"tradeloop/internal/state"
)

func TestParseBuyWithSymbol(t *testing.T) {
	p, err := intent.Parse("Buy $10 of BTC", state.ModePaper)
	require.NoError(t, err)
	require.Equal(t, intent.KindTrade, p.Kind)
	require.Equal(t, "BUY", p.Intent.Side)
	require.Equal(t, "BTC-USD", p.Intent.Symbol)
	require.Equal(t, 10.0, p.Intent.NotionalUSD)
	require.False(t, p.Intent.AutoSelect)
}

func TestParseAutoSelect(t *testing.T) {
	p, err := intent.Parse("buy the most profitable crypto of last 24h for $10", state.ModePaper)
	require.NoError(t, err)
	require.Equal(t, intent.KindTrade, p.Kind)
	require.True(t, p.Intent.AutoSelect)
	require.Equal(t, 24, p.Intent.LookbackHours)
}

func TestParseSell(t *testing.T) {
	p, err := intent.Parse("sell $2 of BTC", state.ModePaper)
	require.NoError(t, err)
	require.Equal(t, "SELL", p.Intent.Side)
	require.Equal(t, 2.0, p.Intent.NotionalUSD)
}

func TestParseGreetingCreatesNoIntent(t *testing.T) {
	p, err := intent.Parse("hello", state.ModePaper)
	require.NoError(t, err)
	require.Equal(t, intent.KindGreeting, p.Kind)
	require.Nil(t, p.Intent)
	require.NotEmpty(t, p.Content)
}

func TestParseReplay(t *testing.T) {
	p, err := intent.Parse("replay run run_abc123", state.ModePaper)
	require.NoError(t, err)
	require.Equal(t, intent.KindReplay, p.Kind)
	require.Equal(t, "run_abc123", p.Intent.SourceRunID)
	require.Equal(t, state.ModeReplay, p.Intent.Mode)
}

func TestParseMissingAmountFails(t *testing.T) {
	_, err := intent.Parse("buy some BTC", state.ModePaper)
	require.Error(t, err)
}

func TestParseOutOfScope(t *testing.T) {
	p, err := intent.Parse("what's the weather", state.ModePaper)
	require.NoError(t, err)
	require.Equal(t, intent.KindOutOfScope, p.Kind)
}
