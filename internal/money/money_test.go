package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFloatRounds(t *testing.T) {
	assert.Equal(t, Cents(4995), FromFloat(49.95))
	assert.Equal(t, Cents(100), FromFloat(0.999))
	assert.Equal(t, Cents(-285), FromFloat(-2.85))
	assert.Equal(t, Cents(0), FromFloat(0))
}

func TestMulRate(t *testing.T) {
	assert.Equal(t, Cents(2000), Cents(10000).MulRate(0.2))
	assert.Equal(t, Cents(3333), Cents(10000).MulRate(1.0/3).Abs())
	assert.Equal(t, Cents(0), Cents(10000).MulRate(0))
	assert.Equal(t, Cents(10000), Cents(10000).MulRate(1))
}

func TestString(t *testing.T) {
	assert.Equal(t, "49.95", Cents(4995).String())
	assert.Equal(t, "-0.05", Cents(-5).String())
	assert.Equal(t, "0.00", Cents(0).String())
	assert.Equal(t, "1.00", Cents(100).String())
}
