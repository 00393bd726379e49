package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ListingSelectors describes one search-result card on a listing page.
type ListingSelectors struct {
	Item          string   `yaml:"item"`
	Title         []string `yaml:"title"`
	Price         []string `yaml:"price"`
	PriceWhole    string   `yaml:"price_whole"`
	PriceFraction string   `yaml:"price_fraction"`
	Link          []string `yaml:"link"`
}

type Listing struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	PriceText string  `json:"price_text"`
	Price     float64 `json:"price"`
	HasPrice  bool    `json:"has_price"`
}

func newDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// ParseListings reads up to limit result cards. Cards without a title are
// skipped; cards without a readable price are kept with HasPrice false.
func ParseListings(html, baseURL string, sel ListingSelectors, limit int) ([]Listing, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, err
	}

	var listings []Listing
	doc.Find(sel.Item).EachWithBreak(func(i int, card *goquery.Selection) bool {
		if limit > 0 && len(listings) >= limit {
			return false
		}

		title := firstText(card, sel.Title)
		if title == "" {
			return true
		}

		listing := Listing{Title: title}

		for _, linkSel := range sel.Link {
			if href, ok := card.Find(linkSel).First().Attr("href"); ok && href != "" {
				listing.URL = CleanURL(ResolveURL(baseURL, href))
				break
			}
		}

		listing.PriceText = firstText(card, sel.Price)
		if listing.PriceText == "" && sel.PriceWhole != "" {
			whole := strings.TrimSpace(card.Find(sel.PriceWhole).First().Text())
			whole = strings.TrimRight(strings.ReplaceAll(whole, ",", ""), ".")
			if whole != "" {
				frac := "00"
				if sel.PriceFraction != "" {
					if f := strings.TrimSpace(card.Find(sel.PriceFraction).First().Text()); f != "" {
						frac = f
					}
				}
				listing.PriceText = "$" + whole + "." + frac
			}
		}

		if amount, _, ok := ParsePrice(listing.PriceText); ok && amount > 0 {
			listing.Price = amount
			listing.HasPrice = true
		}

		listings = append(listings, listing)
		return true
	})

	return listings, nil
}

// ParseProductLinks collects unique product links whose path matches
// pattern, in document order.
func ParseProductLinks(html, baseURL, selector string, pattern *regexp.Regexp, limit int) ([]string, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find(selector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		if limit > 0 && len(links) >= limit {
			return false
		}

		href, ok := s.Attr("href")
		if !ok || href == "" {
			return true
		}

		link := CleanURL(ResolveURL(baseURL, href))
		if pattern != nil && !pattern.MatchString(link) {
			return true
		}
		if seen[link] {
			return true
		}

		seen[link] = true
		links = append(links, link)
		return true
	})

	return links, nil
}

// DocumentValue returns the first non-empty attribute (or text when attr is
// empty) of selector in an HTML snapshot.
func DocumentValue(html, selector, attr string) (string, error) {
	values, err := DocumentValues(html, selector, attr)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	return values[0], nil
}

// DocumentValues returns all non-empty attributes (or texts) of selector.
func DocumentValues(html, selector, attr string) ([]string, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, err
	}

	var values []string
	doc.Find(selector).Each(func(i int, s *goquery.Selection) {
		var v string
		if attr == "" {
			v = strings.TrimSpace(s.Text())
		} else {
			v, _ = s.Attr(attr)
			v = strings.TrimSpace(v)
		}
		if v != "" {
			values = append(values, v)
		}
	})

	return values, nil
}

func firstText(s *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(s.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}
