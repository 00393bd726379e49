package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

var (
	ErrNotFound = errors.New("element not found")
	ErrTimeout  = errors.New("timed out waiting for element")
)

// Page is the browser capability the pipeline consumes. Selectors use the
// playwright selector syntax, so `Nth` and `Within` compose row/option paths.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitFor(selector string, timeout time.Duration) error
	ReadText(selector string) (string, error)
	ReadAttribute(selector, name string) (string, error)
	ReadAllTexts(selector string) ([]string, error)
	ReadAllAttributes(selector, name string) ([]string, error)
	Count(selector string) (int, error)
	Click(selector string) error
	Scroll(amount int) error
	Detect(signature string) (bool, error)
	Evaluate(script string, arg any) (any, error)
	Content() (string, error)
	URL() string
	Close() error
}

// PageOpener hands out pages bound to one browser session.
type PageOpener interface {
	OpenPage() (Page, error)
}

// Nth selects the i-th (zero based) match of selector.
func Nth(selector string, i int) string {
	return fmt.Sprintf("%s >> nth=%d", selector, i)
}

// Within scopes child to matches inside parent.
func Within(parent, child string) string {
	return parent + " >> " + child
}

type playwrightPage struct {
	page    playwright.Page
	timeout time.Duration
	logger  *slog.Logger
}

func newPlaywrightPage(page playwright.Page, timeout time.Duration, logger *slog.Logger) *playwrightPage {
	return &playwrightPage{page: page, timeout: timeout, logger: logger}
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(p.timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if resp != nil && resp.Status() >= 400 {
		return fmt.Errorf("navigation to %s returned status %d", url, resp.Status())
	}

	p.logger.Debug("navigated", "url", url)
	return nil
}

func (p *playwrightPage) WaitFor(selector string, timeout time.Duration) error {
	err := p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, selector, err)
	}
	return nil
}

func (p *playwrightPage) ReadText(selector string) (string, error) {
	loc, err := p.first(selector)
	if err != nil {
		return "", err
	}

	text, err := loc.InnerText(playwright.LocatorInnerTextOptions{
		Timeout: playwright.Float(float64(p.timeout.Milliseconds())),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read text of %s: %w", selector, err)
	}

	return strings.TrimSpace(text), nil
}

func (p *playwrightPage) ReadAttribute(selector, name string) (string, error) {
	loc, err := p.first(selector)
	if err != nil {
		return "", err
	}

	value, err := loc.GetAttribute(name, playwright.LocatorGetAttributeOptions{
		Timeout: playwright.Float(float64(p.timeout.Milliseconds())),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read %s of %s: %w", name, selector, err)
	}
	if value == "" {
		return "", fmt.Errorf("%w: %s[%s]", ErrNotFound, selector, name)
	}

	return value, nil
}

func (p *playwrightPage) ReadAllTexts(selector string) ([]string, error) {
	texts, err := p.page.Locator(selector).AllInnerTexts()
	if err != nil {
		return nil, fmt.Errorf("failed to read texts of %s: %w", selector, err)
	}

	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *playwrightPage) ReadAllAttributes(selector, name string) ([]string, error) {
	result, err := p.page.Locator(selector).EvaluateAll(
		`(els, name) => els.map(e => e.getAttribute(name) || '')`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s of %s: %w", name, selector, err)
	}

	values, _ := result.([]interface{})
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *playwrightPage) Count(selector string) (int, error) {
	count, err := p.page.Locator(selector).Count()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", selector, err)
	}
	return count, nil
}

func (p *playwrightPage) Click(selector string) error {
	loc, err := p.first(selector)
	if err != nil {
		return err
	}

	if err := loc.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(p.timeout.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) Scroll(amount int) error {
	if _, err := p.page.Evaluate(`(y) => window.scrollBy(0, y)`, amount); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

func (p *playwrightPage) Detect(signature string) (bool, error) {
	loc := p.page.Locator(signature).First()

	count, err := loc.Count()
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", signature, err)
	}
	if count == 0 {
		return false, nil
	}

	visible, err := loc.IsVisible()
	if err != nil {
		return false, fmt.Errorf("failed to check visibility of %s: %w", signature, err)
	}
	return visible, nil
}

func (p *playwrightPage) Evaluate(script string, arg any) (any, error) {
	result, err := p.page.Evaluate(script, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return result, nil
}

func (p *playwrightPage) Content() (string, error) {
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}

func (p *playwrightPage) first(selector string) (playwright.Locator, error) {
	loc := p.page.Locator(selector).First()

	count, err := loc.Count()
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", selector, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return loc, nil
}
