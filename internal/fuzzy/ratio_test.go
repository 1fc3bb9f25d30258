package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "toyota", "toyota", 1.0},
		{"both empty", "", "", 1.0},
		{"one empty", "", "kia", 0.0},
		{"one edit", "toyta", "toyota", 1.0 - 1.0/6.0},
		{"disjoint", "abc", "xyz", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Ratio(tt.a, tt.b), 1e-9)
		})
	}
}

func TestPartialRatio(t *testing.T) {
	assert.Equal(t, 1.0, PartialRatio("toyota yaris sol l 4 cilindros", "toyota yaris sol l"))
	assert.Equal(t, 1.0, PartialRatio("yaris", "toyota yaris sol"))
	assert.Equal(t, 0.0, PartialRatio("", "yaris"))
	assert.Less(t, PartialRatio("hilux", "toyota yaris"), 0.8)
}

func TestPartialRatio_Unicode(t *testing.T) {
	// Rune based windows must not split multibyte characters.
	assert.Equal(t, 1.0, PartialRatio("camión", "un camión rojo"))
}

func TestTokenSortRatio(t *testing.T) {
	assert.Equal(t, 1.0, TokenSortRatio("yaris toyota", "toyota yaris"))
	assert.Less(t, TokenSortRatio("toyota yaris", "nissan versa"), 0.5)
}

func TestTokenPartialRatio(t *testing.T) {
	assert.Equal(t, 1.0, TokenPartialRatio("mercedes benz", "mercedesbenz clase c 200"))
	assert.Greater(t, TokenPartialRatio("chevrolet", "chevrolt aveo ls"), 0.85)
	// Short terms must not match inside longer words.
	assert.Less(t, TokenPartialRatio("ram", "tramo largo"), 0.8)
	assert.Equal(t, 0.0, TokenPartialRatio("", "toyota"))
}

func TestBest(t *testing.T) {
	pairs := [][2]string{
		{"toyota yaris", "yaris toyota"},
		{"nissan np300 doble cabina", "nissan np300"},
		{"", "x"},
		{"a", "b"},
	}
	for _, p := range pairs {
		s := Best(p[0], p[1])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		assert.GreaterOrEqual(t, s, PartialRatio(p[0], p[1]))
		assert.GreaterOrEqual(t, s, TokenSortRatio(p[0], p[1]))
	}
}
