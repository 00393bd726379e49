package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/product-harvester/internal/models"
)

var (
	priceNumberPattern = regexp.MustCompile(`\d[\d.,\s]*`)

	// multi-character symbols come before "$" so it does not shadow them
	currencySymbols = []string{"US $", "US$", "R$", "C$", "A$", "$", "€", "£", "¥", "₽"}
)

// ParsePrice reads the first amount in a displayed price. It accepts both
// "1,234.56" and "1.234,56" grouping and reports the currency symbol found
// in the text. Ranges such as "US $3.10 - 5.20" yield the lower bound.
func ParsePrice(text string) (float64, string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, "", false
	}

	currency := detectCurrency(text)

	raw := priceNumberPattern.FindString(text)
	raw = strings.Join(strings.Fields(raw), "")
	raw = strings.TrimRight(raw, ".,")
	if raw == "" {
		return 0, currency, false
	}

	amount, err := strconv.ParseFloat(normalizeDecimal(raw), 64)
	if err != nil {
		return 0, currency, false
	}
	return amount, currency, true
}

func detectCurrency(text string) string {
	for _, sym := range currencySymbols {
		if strings.Contains(text, sym) {
			if strings.HasPrefix(sym, "US") {
				return "$"
			}
			return sym
		}
	}
	return ""
}

func normalizeDecimal(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		// 1,234.56
		return strings.ReplaceAll(s, ",", "")

	case lastComma >= 0:
		if len(s)-lastComma-1 == 3 {
			// 1,234
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.ReplaceAll(s[:lastComma], ",", "") + "." + s[lastComma+1:]

	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			// 1.234.567
			return strings.ReplaceAll(s, ".", "")
		}
		return s
	}

	return s
}

// PriceFromText builds a record price from displayed text. Empty or
// unknown text yields models.UnknownPrice; text that does not parse keeps
// the text with a nil amount.
func PriceFromText(text string) models.Price {
	text = CleanText(text)
	if text == "" || text == models.Unknown {
		return models.UnknownPrice()
	}

	p := models.Price{Text: text}
	if amount, currency, ok := ParsePrice(text); ok {
		p.Amount = &amount
		p.Currency = currency
	}
	return p
}
