// Package prompts provides the fixed, read-only table of guided prompts and
// the per-locale display settings that go with it.
package prompts

import (
	_ "embed"
	"fmt"
	"sort"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var builtin []byte

// Locale is the prompt list and display settings for one language tag
type Locale struct {
	Tag          string   `yaml:"-" json:"tag"`
	DefaultTitle string   `yaml:"default_title" json:"defaultTitle"`
	DateLayout   string   `yaml:"date_layout" json:"-"`
	Prompts      []string `yaml:"prompts" json:"prompts"`
}

type file struct {
	Default string            `yaml:"default"`
	Locales map[string]Locale `yaml:"locales"`
}

// Set resolves arbitrary language tags onto the supported locales
type Set struct {
	locales []Locale
	matcher language.Matcher
}

// Load returns the built-in prompt set
func Load() (*Set, error) {
	return Parse(builtin)
}

// Parse builds a set from YAML. The default locale is matched first when
// nothing better fits.
func Parse(data []byte) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if len(f.Locales) == 0 {
		return nil, fmt.Errorf("parse prompts: no locales defined")
	}
	if _, ok := f.Locales[f.Default]; !ok {
		return nil, fmt.Errorf("parse prompts: default locale %q not defined", f.Default)
	}

	names := make([]string, 0, len(f.Locales))
	for name := range f.Locales {
		if name != f.Default {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	names = append([]string{f.Default}, names...)

	s := &Set{}
	tags := make([]language.Tag, 0, len(names))
	for _, name := range names {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("parse prompts: locale %q: %w", name, err)
		}
		loc := f.Locales[name]
		loc.Tag = name
		if loc.DateLayout == "" {
			loc.DateLayout = "2006-01-02 15:04:05"
		}
		s.locales = append(s.locales, loc)
		tags = append(tags, tag)
	}
	s.matcher = language.NewMatcher(tags)
	return s, nil
}

// Resolve returns the supported locale closest to tag.
// Unparseable or unsupported tags fall back to the default locale.
func (s *Set) Resolve(tag string) Locale {
	t, err := language.Parse(tag)
	if err != nil {
		return s.locales[0]
	}
	_, idx, conf := s.matcher.Match(t)
	if conf == language.No {
		return s.locales[0]
	}
	return s.locales[idx]
}

// Prompts returns the guided prompts for tag
func (s *Set) Prompts(tag string) []string {
	p := s.Resolve(tag).Prompts
	out := make([]string, len(p))
	copy(out, p)
	return out
}

// Locales lists every supported locale, default first
func (s *Set) Locales() []Locale {
	out := make([]Locale, len(s.locales))
	copy(out, s.locales)
	return out
}
