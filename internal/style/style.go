// Package style holds the fixed table of rewriting tones and the prompt
// templates used to ask the upstream model for each of them.
package style

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Style identifies one rewriting tone.
type Style string

const (
	Professional Style = "professional"
	Casual       Style = "casual"
	Polite       Style = "polite"
	Social       Style = "social"
)

// ErrUnknownStyle is returned for tags outside the fixed style set.
var ErrUnknownStyle = errors.New("unknown style")

// Definition is one row of the style table.
type Definition struct {
	Name        Style   `json:"name"`
	Template    string  `json:"template"`
	Temperature float64 `json:"temperature"`
}

// Table is the ordered set of styles a session fans out to.
type Table struct {
	defs []Definition
}

var defaultTemplates = []Definition{
	{Name: Professional, Template: "Rephrase the following in a professional tone:"},
	{Name: Casual, Template: "Rephrase the following in a casual tone:"},
	{Name: Polite, Template: "Rephrase the following in a polite tone:"},
	{Name: Social, Template: "Rephrase the following in a social-media friendly tone (short, emoji allowed):"},
}

// Default returns the built-in table with every style using temperature.
func Default(temperature float64) Table {
	defs := make([]Definition, len(defaultTemplates))
	copy(defs, defaultTemplates)
	for i := range defs {
		defs[i].Temperature = temperature
	}
	return Table{defs: defs}
}

// Definitions returns a copy of the table rows in fan-out order.
func (t Table) Definitions() []Definition {
	out := make([]Definition, len(t.defs))
	copy(out, t.defs)
	return out
}

func (t Table) Len() int { return len(t.defs) }

func (t Table) Lookup(s Style) (Definition, bool) {
	for _, d := range t.defs {
		if d.Name == s {
			return d, true
		}
	}
	return Definition{}, false
}

// Prompt builds the instruction sent upstream for style s.
func (t Table) Prompt(s Style, text string) (string, error) {
	d, ok := t.Lookup(s)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStyle, s)
	}
	return d.Prompt(text), nil
}

// Prompt builds the instruction for this row: the template, a blank line, then the text.
func (d Definition) Prompt(text string) string {
	return d.Template + "\n\n" + text
}

type fileOverride struct {
	Template    *string  `yaml:"template"`
	Temperature *float64 `yaml:"temperature"`
}

type fileConfig struct {
	Styles map[string]fileOverride `yaml:"styles"`
}

// LoadFile overlays template and temperature overrides from a YAML file onto base.
// The style set itself is fixed, so names outside it are rejected.
//
//	styles:
//	  social:
//	    template: "Rewrite this as a tweet:"
//	    temperature: 1.0
func LoadFile(path string, base Table) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read styles file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Table{}, fmt.Errorf("parse styles file: %w", err)
	}

	defs := base.Definitions()
	for name, o := range fc.Styles {
		idx := -1
		for i := range defs {
			if string(defs[i].Name) == strings.ToLower(strings.TrimSpace(name)) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Table{}, fmt.Errorf("%w in styles file: %q", ErrUnknownStyle, name)
		}
		if o.Template != nil {
			tpl := strings.TrimSpace(*o.Template)
			if tpl == "" {
				return Table{}, fmt.Errorf("styles file: empty template for %q", name)
			}
			defs[idx].Template = tpl
		}
		if o.Temperature != nil {
			if *o.Temperature < 0 || *o.Temperature > 2 {
				return Table{}, fmt.Errorf("styles file: temperature for %q must be within [0, 2]", name)
			}
			defs[idx].Temperature = *o.Temperature
		}
	}
	return Table{defs: defs}, nil
}
