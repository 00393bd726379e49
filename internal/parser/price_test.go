package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-harvester/internal/models"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantAmount   float64
		wantCurrency string
		wantOK       bool
	}{
		{"dollar with grouping", "$1,234.56", 1234.56, "$", true},
		{"marketplace prefix", "US $12.99", 12.99, "$", true},
		{"german grouping", "1.234,56 €", 1234.56, "€", true},
		{"comma decimal", "12,99€", 12.99, "€", true},
		{"integer", "€ 5", 5, "€", true},
		{"range takes lower bound", "US $3.10 - 5.20", 3.10, "$", true},
		{"thousands comma only", "$1,299", 1299, "$", true},
		{"pound", "£7.50", 7.50, "£", true},
		{"brazilian real", "R$ 12,99", 12.99, "R$", true},
		{"canadian dollar", "C$1,049.00", 1049, "C$", true},
		{"australian dollar", "A$ 19.95", 19.95, "A$", true},
		{"no digits", "N/A", 0, "", false},
		{"empty", "", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, currency, ok := ParsePrice(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.wantAmount, amount, 0.0001)
			assert.Equal(t, tt.wantCurrency, currency)
		})
	}
}

func TestPriceFromText(t *testing.T) {
	p := PriceFromText("  US $12.99 ")
	require.NotNil(t, p.Amount)
	assert.InDelta(t, 12.99, *p.Amount, 0.001)
	assert.Equal(t, "$", p.Currency)
	assert.Equal(t, "US $12.99", p.Text)

	assert.Equal(t, models.UnknownPrice(), PriceFromText(""))
	assert.Equal(t, models.UnknownPrice(), PriceFromText(models.Unknown))

	p = PriceFromText("Sold out")
	assert.Equal(t, "Sold out", p.Text)
	assert.Nil(t, p.Amount)
}
