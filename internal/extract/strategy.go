package extract

import (
	"context"
	"errors"
	"fmt"
)

var ErrAllStrategiesFailed = errors.New("all extraction strategies failed")

type Kind string

const (
	// KindText reads the inner text of the first match.
	KindText Kind = "text"
	// KindAttribute reads one attribute of the first match.
	KindAttribute Kind = "attribute"
	// KindTexts reads the texts of every match.
	KindTexts Kind = "texts"
	// KindAttributes reads one attribute of every match.
	KindAttributes Kind = "attributes"
	// KindDocument queries a snapshot of the page HTML (embedded metadata).
	KindDocument Kind = "document"
	// KindShadow reads the text inside the shadow root of the first match.
	KindShadow Kind = "shadow"
	// KindScript runs Script in the page with Selector as its argument.
	KindScript Kind = "script"
)

// Strategy is one way of reading a logical field off a page.
type Strategy struct {
	Kind      Kind   `yaml:"kind"`
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute,omitempty"`
	Inner     string `yaml:"inner,omitempty"`
	Script    string `yaml:"script,omitempty"`
	Wait      bool   `yaml:"wait,omitempty"`
}

func (s Strategy) String() string {
	if s.Attribute != "" {
		return fmt.Sprintf("%s(%s[%s])", s.Kind, s.Selector, s.Attribute)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Selector)
}

func (s Strategy) Validate() error {
	switch s.Kind {
	case KindText, KindTexts, KindShadow:
	case KindAttribute, KindAttributes:
		if s.Attribute == "" {
			return fmt.Errorf("%s strategy on %q needs an attribute", s.Kind, s.Selector)
		}
	case KindDocument:
	case KindScript:
		if s.Script == "" {
			return fmt.Errorf("script strategy needs a script")
		}
		return nil
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	if s.Selector == "" {
		return fmt.Errorf("%s strategy needs a selector", s.Kind)
	}
	return nil
}

// Fields maps a logical field name to its ordered strategies.
type Fields map[string][]Strategy

func (f Fields) Validate() error {
	for name, strategies := range f {
		if len(strategies) == 0 {
			return fmt.Errorf("field %q has no strategies", name)
		}
		for i, s := range strategies {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("field %q strategy %d: %w", name, i, err)
			}
		}
	}
	return nil
}

// Attempt is one isolated try at producing a value.
type Attempt[T any] func(ctx context.Context) (T, error)

// FirstSuccess runs attempts in order and returns the first value that is
// produced without error and is not empty. A panicking attempt counts as a
// failure. The returned index is -1 when every attempt failed.
func FirstSuccess[T any](ctx context.Context, attempts []Attempt[T], empty func(T) bool) (T, int, error) {
	var zero T
	var errs []error

	for i, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return zero, -1, err
		}

		value, err := runIsolated(ctx, attempt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if empty != nil && empty(value) {
			continue
		}
		return value, i, nil
	}

	if len(errs) > 0 {
		return zero, -1, fmt.Errorf("%w: %w", ErrAllStrategiesFailed, errors.Join(errs...))
	}
	return zero, -1, ErrAllStrategiesFailed
}

func runIsolated[T any](ctx context.Context, attempt Attempt[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return attempt(ctx)
}
