package tax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRate(t *testing.T) {
	cases := []struct {
		state string
		want  float64
	}{
		{"Sonora", 0.08},
		{"  nuevo   LEÓN ", 0.08},
		{"Nuevo Leon", 0.08},
		{"Quintana Roo", 0.08},
		{"Jalisco", 0.16},
		{"Ciudad de México", 0.16},
		{"", 0.16},
		{"Atlantis", 0.16},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Rate(tc.state), tc.state)
	}
}

func TestCompute_ScenarioA(t *testing.T) {
	x := Compute(1000, "Jalisco")
	assert.Equal(t, int64(160), x.TaxCents)
	assert.Equal(t, 0.16, x.Rate)

	y := Compute(500, "Baja California")
	assert.Equal(t, int64(40), y.TaxCents)
	assert.Equal(t, 0.08, y.Rate)

	assert.Equal(t, int64(1700), x.SubtotalCents+x.TaxCents+y.SubtotalCents+y.TaxCents)
}

func TestCompute_RoundsToCent(t *testing.T) {
	assert.Equal(t, int64(80), Compute(1003, "Sonora").TaxCents)  // 80.24
	assert.Equal(t, int64(82), Compute(1019, "Sonora").TaxCents)  // 81.52
	assert.Equal(t, int64(0), Compute(3, "Jalisco").TaxCents)     // 0.48
	assert.Equal(t, int64(1), Compute(4, "Jalisco").TaxCents)     // 0.64
	assert.Equal(t, int64(0), Compute(0, "Jalisco").TaxCents)
}
