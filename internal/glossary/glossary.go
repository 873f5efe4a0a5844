// Package glossary holds per-deck term lists that pin how product names and
// jargon are translated.
package glossary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Glossary maps source language terms to their required translations.
type Glossary map[string]string

// Entry is one glossary term.
type Entry struct {
	Source string
	Target string
}

// Match returns the terms that occur in any of texts. Matching is
// case-sensitive, which suits product and proper names.
func (g Glossary) Match(texts ...string) Glossary {
	matched := make(Glossary)
	for source, target := range g {
		if source == "" {
			continue
		}
		for _, text := range texts {
			if strings.Contains(text, source) {
				matched[source] = target
				break
			}
		}
	}
	return matched
}

// Entries lists terms longest first, then alphabetically, so prompts are
// stable and longer phrases win over their substrings.
func (g Glossary) Entries() []Entry {
	entries := make([]Entry, 0, len(g))
	for source, target := range g {
		entries = append(entries, Entry{Source: source, Target: target})
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].Source) != len(entries[j].Source) {
			return len(entries[i].Source) > len(entries[j].Source)
		}
		return entries[i].Source < entries[j].Source
	})
	return entries
}

// Filename returns the glossary filename for a language pair, using
// 2-letter base codes (e.g. "glossary.en-zh.json").
func Filename(sourceLang, targetLang string) string {
	return "glossary." + baseCode(sourceLang) + "-" + baseCode(targetLang) + ".json"
}

// FindInAncestors walks up from startDir and returns the closest glossary
// for the language pair, or "".
func FindInAncestors(startDir, sourceLang, targetLang string) string {
	filename := Filename(sourceLang, targetLang)
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func Load(path string) (Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Glossary
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid glossary %s: %w", path, err)
	}
	return g, nil
}

func Save(path string, g Glossary) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type contextKey struct{}

// NewContext attaches g to ctx for providers that can honour it.
func NewContext(ctx context.Context, g Glossary) context.Context {
	if len(g) == 0 {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, g)
}

func FromContext(ctx context.Context) Glossary {
	g, _ := ctx.Value(contextKey{}).(Glossary)
	return g
}

func baseCode(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, _ := tag.Base()
	return base.String()
}
