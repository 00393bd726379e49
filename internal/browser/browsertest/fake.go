// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maltedev/product-harvester/internal/browser"
)

// FakePage answers selector reads from maps keyed by the exact selector
// string. Click and navigation hooks can rewrite the maps to simulate DOM
// changes.
type FakePage struct {
	mu sync.Mutex

	CurrentURL string
	HTML       string
	Texts      map[string]string
	Attrs      map[string]map[string]string
	TextLists  map[string][]string
	AttrLists  map[string]map[string][]string
	Counts     map[string]int
	Visible    map[string]bool

	NavigateErr error
	OnNavigate  func(p *FakePage, url string) error
	OnClick     map[string]func(p *FakePage)
	EvalFunc    func(script string, arg any) (any, error)

	Navigations []string
	Clicks      []string
	Scrolls     []int
	Closed      bool
}

var _ browser.Page = (*FakePage)(nil)

func NewFakePage() *FakePage {
	return &FakePage{
		Texts:     make(map[string]string),
		Attrs:     make(map[string]map[string]string),
		TextLists: make(map[string][]string),
		AttrLists: make(map[string]map[string][]string),
		Counts:    make(map[string]int),
		Visible:   make(map[string]bool),
		OnClick:   make(map[string]func(p *FakePage)),
	}
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	hook := p.OnNavigate
	err := p.NavigateErr
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(p, url); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.CurrentURL = url
	p.mu.Unlock()
	return nil
}

func (p *FakePage) WaitFor(selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.existsLocked(selector) {
		return nil
	}
	return fmt.Errorf("%w: %s", browser.ErrTimeout, selector)
}

func (p *FakePage) ReadText(selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text, ok := p.Texts[selector]
	if !ok {
		return "", fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
	}
	return text, nil
}

func (p *FakePage) ReadAttribute(selector, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.Attrs[selector][name]
	if value == "" {
		return "", fmt.Errorf("%w: %s[%s]", browser.ErrNotFound, selector, name)
	}
	return value, nil
}

func (p *FakePage) ReadAllTexts(selector string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.TextLists[selector]...), nil
}

func (p *FakePage) ReadAllAttributes(selector, name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.AttrLists[selector][name]...), nil
}

func (p *FakePage) Count(selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n, ok := p.Counts[selector]; ok {
		return n, nil
	}
	if p.existsLocked(selector) {
		return 1, nil
	}
	return 0, nil
}

func (p *FakePage) Click(selector string) error {
	p.mu.Lock()
	if !p.existsLocked(selector) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
	}
	p.Clicks = append(p.Clicks, selector)
	hook := p.OnClick[selector]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) Scroll(amount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Scrolls = append(p.Scrolls, amount)
	return nil
}

func (p *FakePage) Detect(signature string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.Visible[signature], nil
}

func (p *FakePage) Evaluate(script string, arg any) (any, error) {
	p.mu.Lock()
	fn := p.EvalFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("evaluate not supported")
	}
	return fn(script, arg)
}

func (p *FakePage) Content() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.HTML, nil
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.CurrentURL
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Closed = true
	return nil
}

// Set replaces the text at selector. Safe to call from hooks.
func (p *FakePage) Set(selector, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Texts[selector] = text
}

// Remove deletes the text at selector. Safe to call from hooks.
func (p *FakePage) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.Texts, selector)
}

// SetAttr sets one attribute on selector.
func (p *FakePage) SetAttr(selector, name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Attrs[selector] == nil {
		p.Attrs[selector] = make(map[string]string)
	}
	p.Attrs[selector][name] = value
}

// SetList replaces the texts of every match of selector.
func (p *FakePage) SetList(selector string, texts []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.TextLists[selector] = texts
}

// SetAttrList replaces one attribute across every match of selector.
func (p *FakePage) SetAttrList(selector, name string, values []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.AttrLists[selector] == nil {
		p.AttrLists[selector] = make(map[string][]string)
	}
	p.AttrLists[selector][name] = values
}

func (p *FakePage) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.HTML = html
}

// Reset clears every selector read, as a navigation to a new page would.
func (p *FakePage) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.HTML = ""
	p.Texts = make(map[string]string)
	p.Attrs = make(map[string]map[string]string)
	p.TextLists = make(map[string][]string)
	p.AttrLists = make(map[string]map[string][]string)
	p.Counts = make(map[string]int)
}

// SetVisible toggles a challenge signature.
func (p *FakePage) SetVisible(signature string, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Visible[signature] = visible
}

func (p *FakePage) ClickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.Clicks)
}

func (p *FakePage) NavigationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.Navigations)
}

func (p *FakePage) existsLocked(selector string) bool {
	if _, ok := p.Texts[selector]; ok {
		return true
	}
	if _, ok := p.Attrs[selector]; ok {
		return true
	}
	if n, ok := p.Counts[selector]; ok && n > 0 {
		return true
	}
	if len(p.TextLists[selector]) > 0 {
		return true
	}
	return false
}

// Opener hands out the same fake page on every call.
type Opener struct {
	Page *FakePage
	Err  error

	mu     sync.Mutex
	Opened int
}

func (o *Opener) OpenPage() (browser.Page, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Err != nil {
		return nil, o.Err
	}
	o.Opened++
	return o.Page, nil
}
