package currency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_Convert(t *testing.T) {
	t.Parallel()

	table, err := NewTable("EUR", map[string]float64{"usd": 1.10, "GBP": 0.85})
	require.NoError(t, err)

	got, err := table.Convert(2000, "EUR", "USD")
	require.NoError(t, err)
	require.Equal(t, int64(2200), got)

	got, err = table.Convert(2200, "usd", "gbp")
	require.NoError(t, err)
	require.Equal(t, int64(1700), got)

	got, err = table.Convert(1234, "JPY", "JPY")
	require.NoError(t, err)
	require.Equal(t, int64(1234), got)

	_, err = table.Convert(100, "EUR", "CHF")
	require.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestNewTable_RejectsBadRates(t *testing.T) {
	t.Parallel()

	_, err := NewTable("EUR", map[string]float64{"USD": 0})
	require.Error(t, err)
}
