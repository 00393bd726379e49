package config

import (
	"embed"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maltedev/product-harvester/internal/extract"
	"github.com/maltedev/product-harvester/internal/parser"
	"github.com/maltedev/product-harvester/internal/ratelimit"
	"github.com/maltedev/product-harvester/internal/sku"
)

//go:embed profiles/*.yaml
var profileFS embed.FS

// Waits are the named randomized delays of a site.
type Waits struct {
	PageLoad        ratelimit.Range `yaml:"page_load"`
	Scroll          ratelimit.Range `yaml:"scroll"`
	ElementLoad     ratelimit.Range `yaml:"element_load"`
	BetweenActions  ratelimit.Range `yaml:"between_actions"`
	BetweenProducts ratelimit.Range `yaml:"between_products"`
}

func (w Waits) Validate() error {
	for name, r := range map[string]ratelimit.Range{
		"page_load":        w.PageLoad,
		"scroll":           w.Scroll,
		"element_load":     w.ElementLoad,
		"between_actions":  w.BetweenActions,
		"between_products": w.BetweenProducts,
	} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("wait %s: %w", name, err)
		}
	}
	return nil
}

// Profile describes how to read one marketplace. Selectors live here rather
// than in code so a layout change is a YAML edit.
type Profile struct {
	Site                string                  `yaml:"site"`
	BaseURL             string                  `yaml:"base_url"`
	SearchURL           string                  `yaml:"search_url"`
	ItemPattern         string                  `yaml:"item_pattern"`
	ProductLinkSelector string                  `yaml:"product_link_selector"`
	MaxResults          int                     `yaml:"max_results"`
	QueryMaxLength      int                     `yaml:"query_max_length"`
	Challenges          []string                `yaml:"challenges"`
	ExpandButtons       []string                `yaml:"expand_buttons"`
	ScrollSteps         []int                   `yaml:"scroll_steps"`
	Waits               Waits                   `yaml:"waits"`
	Fields              extract.Fields          `yaml:"fields"`
	SKU                 sku.Selectors           `yaml:"sku"`
	Listing             parser.ListingSelectors `yaml:"listing"`

	itemPattern *regexp.Regexp
}

// DefaultProfile returns an embedded profile by site name.
func DefaultProfile(site string) (*Profile, error) {
	data, err := profileFS.ReadFile("profiles/" + site + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("no built-in profile for %q", site)
	}
	return ParseProfile(data)
}

// LoadProfile reads a profile from disk.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the profile and compiles its item pattern.
func (p *Profile) Validate() error {
	if p.Site == "" {
		return fmt.Errorf("profile needs a site name")
	}
	if p.SearchURL != "" && !strings.Contains(p.SearchURL, "{query}") {
		return fmt.Errorf("search_url of %s has no {query} placeholder", p.Site)
	}
	if p.ItemPattern != "" {
		re, err := regexp.Compile(p.ItemPattern)
		if err != nil {
			return fmt.Errorf("item_pattern of %s: %w", p.Site, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("item_pattern of %s needs a capture group for the item id", p.Site)
		}
		p.itemPattern = re
	}
	if err := p.Fields.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Site, err)
	}
	if err := p.Waits.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Site, err)
	}
	return nil
}

// ItemID returns the marketplace item id embedded in rawURL.
func (p *Profile) ItemID(rawURL string) (string, bool) {
	if p.itemPattern == nil {
		return "", false
	}
	m := p.itemPattern.FindStringSubmatch(rawURL)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// ItemRegexp returns the compiled item pattern, nil when none is set.
func (p *Profile) ItemRegexp() *regexp.Regexp {
	return p.itemPattern
}

// SearchPage returns the search URL for query.
func (p *Profile) SearchPage(query string) string {
	return strings.ReplaceAll(p.SearchURL, "{query}", url.QueryEscape(strings.TrimSpace(query)))
}

// SourceProfile loads SCRAPER_PROFILE, or the built-in aliexpress profile,
// and applies the pacing override.
func (c *Config) SourceProfile() (*Profile, error) {
	p, err := loadOrDefault(c.Scraper.Profile, "aliexpress")
	if err != nil {
		return nil, err
	}
	if c.Scraper.PacingMin > 0 || c.Scraper.PacingMax > 0 {
		p.Waits.BetweenProducts = ratelimit.Range{Min: c.Scraper.PacingMin, Max: c.Scraper.PacingMax}
	}
	return p, nil
}

// CompetitorProfile loads SCRAPER_COMPETITOR_PROFILE, or the built-in amazon
// profile.
func (c *Config) CompetitorProfile() (*Profile, error) {
	p, err := loadOrDefault(c.Scraper.CompetitorProfile, "amazon")
	if err != nil {
		return nil, err
	}
	if c.Scraper.CompetitorMax > 0 {
		p.MaxResults = c.Scraper.CompetitorMax
	}
	return p, nil
}

func loadOrDefault(path, site string) (*Profile, error) {
	if path != "" {
		return LoadProfile(path)
	}
	return DefaultProfile(site)
}
