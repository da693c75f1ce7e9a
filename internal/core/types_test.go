package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		name   string
		offset string
		want   string
	}{
		{"whole number", "5", "+5.0%"},
		{"one decimal", "2.5", "+2.5%"},
		{"rounds extra precision", "1.25", "+1.3%"},
		{"fraction below one", "0.5", "+0.5%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := decimal.NewFromString(tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatOffset(d))
		})
	}
}

func TestParseOffset(t *testing.T) {
	d, err := ParseOffset("+5.0%")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromFloat(5.0)))

	d, err = ParseOffset("2.5%")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromFloat(2.5)))

	_, err = ParseOffset("not-a-number%")
	assert.Error(t, err)
}

func TestOffsetRoundTrip(t *testing.T) {
	for _, s := range []string{"5.0", "0.1", "12.5", "100.0"} {
		d, err := decimal.NewFromString(s)
		require.NoError(t, err)

		parsed, err := ParseOffset(FormatOffset(d))
		require.NoError(t, err)
		assert.True(t, parsed.Equal(d), "round trip changed %s", s)
	}
}

func TestRuleCrossed(t *testing.T) {
	tests := []struct {
		name          string
		thresholdType ThresholdType
		threshold     string
		price         string
		want          bool
	}{
		{"above not reached", ThresholdAbove, "50000", "49999", false},
		{"above reached", ThresholdAbove, "50000", "50001", true},
		{"above equal crosses", ThresholdAbove, "50000", "50000", true},
		{"below not reached", ThresholdBelow, "50000", "50001", false},
		{"below reached", ThresholdBelow, "50000", "49999", true},
		{"below equal crosses", ThresholdBelow, "50000", "50000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Rule{
				ThresholdType:  tt.thresholdType,
				ThresholdPrice: decimal.RequireFromString(tt.threshold),
			}
			assert.Equal(t, tt.want, rule.Crossed(decimal.RequireFromString(tt.price)))
		})
	}
}

func TestDeriveLifecycle(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		state RuleState
		want  Lifecycle
	}{
		{"disabled", Rule{Enabled: EnabledFalse}, RuleState{}, LifecycleDisabled},
		{"paused", Rule{Enabled: EnabledPaused}, RuleState{}, LifecycleDisabled},
		{"pending", Rule{Enabled: EnabledTrue}, RuleState{}, LifecyclePending},
		{"armed", Rule{Enabled: EnabledTrue}, RuleState{Triggered: true, OrderID: "O1"}, LifecycleArmed},
		{"filled", Rule{Enabled: EnabledTrue}, RuleState{Triggered: true, OrderID: "O1", FillNotified: true}, LifecycleTerminal},
		{"canceled rule", Rule{Enabled: EnabledCanceled}, RuleState{}, LifecycleTerminal},
		{"armed survives disable", Rule{Enabled: EnabledFalse}, RuleState{Triggered: true, OrderID: "O1"}, LifecycleArmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveLifecycle(tt.rule, tt.state))
		})
	}
}

func TestBalancesAsset(t *testing.T) {
	b := Balances{
		"XXBT":   decimal.RequireFromString("0.5"),
		"XXBT.F": decimal.RequireFromString("0.25"),
		"XXBT.S": decimal.RequireFromString("0.1"),
		"ZUSD":   decimal.RequireFromString("1000"),
		"XETH":   decimal.RequireFromString("2"),
	}

	assert.True(t, b.Asset("XXBT").Equal(decimal.RequireFromString("0.85")))
	assert.True(t, b.Asset("ZUSD").Equal(decimal.RequireFromString("1000")))
	assert.True(t, b.Asset("XDOGE").IsZero())
}

func TestOrderFullyFilled(t *testing.T) {
	full := Order{Status: OrderClosed, Volume: decimal.RequireFromString("1"), ExecutedVolume: decimal.RequireFromString("1")}
	partial := Order{Status: OrderClosed, Volume: decimal.RequireFromString("1"), ExecutedVolume: decimal.RequireFromString("0.4")}
	open := Order{Status: OrderOpen, Volume: decimal.RequireFromString("1"), ExecutedVolume: decimal.RequireFromString("1")}

	assert.True(t, full.FullyFilled())
	assert.False(t, partial.FullyFilled())
	assert.False(t, open.FullyFilled())
}

func TestRuleAccountName(t *testing.T) {
	assert.Equal(t, "primary", Rule{}.AccountName())
	assert.Equal(t, "winnie", Rule{Account: "winnie"}.AccountName())
}
