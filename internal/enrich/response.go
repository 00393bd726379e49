package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maltedev/product-harvester/internal/models"
)

type structured struct {
	Title       string          `json:"title"`
	BulletPoint json.RawMessage `json:"bullet_point"`
	Description string          `json:"description"`
}

type flat struct {
	SuggestedTitle       string          `json:"suggested_title"`
	SuggestedPoints      json.RawMessage `json:"suggested_points"`
	SuggestedDescription string          `json:"suggested_description"`
}

type envelope struct {
	ResultStructured *structured `json:"result_structured"`
	Result           *string     `json:"result"`
	flat
}

// ParseResponse accepts a result_structured object, a result string that
// holds the same object (optionally in a code fence), or the flat
// suggested_* shape.
func ParseResponse(data []byte) (*models.Enrichment, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	switch {
	case env.ResultStructured != nil:
		return fromStructured(*env.ResultStructured)

	case env.Result != nil:
		var s structured
		if err := json.Unmarshal([]byte(stripFence(*env.Result)), &s); err != nil {
			return nil, fmt.Errorf("%w: result is not JSON: %v", ErrInvalidResponse, err)
		}
		return fromStructured(s)

	case env.SuggestedTitle != "" || env.SuggestedDescription != "":
		points, err := parsePoints(env.SuggestedPoints)
		if err != nil {
			return nil, err
		}
		return validate(&models.Enrichment{
			SuggestedTitle:       strings.TrimSpace(env.SuggestedTitle),
			SuggestedPoints:      points,
			SuggestedDescription: strings.TrimSpace(env.SuggestedDescription),
		})
	}

	return nil, fmt.Errorf("%w: no recognized fields", ErrInvalidResponse)
}

func fromStructured(s structured) (*models.Enrichment, error) {
	points, err := parsePoints(s.BulletPoint)
	if err != nil {
		return nil, err
	}
	return validate(&models.Enrichment{
		SuggestedTitle:       strings.TrimSpace(s.Title),
		SuggestedPoints:      points,
		SuggestedDescription: strings.TrimSpace(s.Description),
	})
}

// parsePoints takes either a list of strings or one newline separated string.
func parsePoints(raw json.RawMessage) ([]string, error) {
	points := []string{}
	if len(raw) == 0 || string(raw) == "null" {
		return points, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: bullet points are neither text nor a list", ErrInvalidResponse)
		}
		list = strings.Split(text, "\n")
	}

	for _, p := range list {
		p = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(p), "-•*"))
		if p != "" {
			points = append(points, p)
		}
	}
	return points, nil
}

func validate(e *models.Enrichment) (*models.Enrichment, error) {
	if e.SuggestedTitle == "" && e.SuggestedDescription == "" && len(e.SuggestedPoints) == 0 {
		return nil, fmt.Errorf("%w: empty suggestion", ErrInvalidResponse)
	}
	return e, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return strings.Trim(s, "`")
	}
	lines = lines[1:]
	if last := strings.TrimSpace(lines[len(lines)-1]); strings.HasPrefix(last, "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
