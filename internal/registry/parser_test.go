package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFOQuery_OptionLeg(t *testing.T) {
	f := ParseFOQuery("NIFTY 24500 CE 28NOV24")
	assert.Equal(t, "NIFTY", f.Underlying)
	assert.Equal(t, "CE", f.OptionType)
	assert.Equal(t, float64(24500), f.Strike)
	if assert.NotNil(t, f.Expiry) {
		assert.Equal(t, 28, f.Expiry.Day())
		assert.Equal(t, 2024, f.Expiry.Year())
	}
}

func TestParseFOQuery_Future(t *testing.T) {
	f := ParseFOQuery("BANKNIFTY FUT")
	assert.Equal(t, "BANKNIFTY", f.Underlying)
	assert.Equal(t, "FUT", f.OptionType)
	assert.Zero(t, f.Strike)
	assert.Nil(t, f.Expiry)
}

func TestParseFOQuery_PlainSymbolHasNoStructure(t *testing.T) {
	f := ParseFOQuery("RELIANCE")
	assert.Equal(t, "RELIANCE", f.Underlying)
	assert.Empty(t, f.OptionType)
	assert.Nil(t, f.Expiry)
}
