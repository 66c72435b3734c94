// Package template renders service-unit templates by literal placeholder
// substitution. Placeholders are opaque tokens such as {{PEERS}}; no
// expression language is involved.
//
// Rules are applied in order, so a replacement value must never contain
// another rule's placeholder or it will be substituted a second time.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Rule replaces every occurrence of Placeholder with Replacement. A nil
// Replacement means no value was configured; the placeholder is then removed.
type Rule struct {
	Placeholder string
	Replacement *string
}

// Set returns a rule with a configured value.
func Set(placeholder, value string) Rule {
	return Rule{Placeholder: placeholder, Replacement: &value}
}

func (r Rule) value() string {
	if r.Replacement == nil {
		return ""
	}
	return *r.Replacement
}

// Apply substitutes rules into text in order.
func Apply(text string, rules []Rule) string {
	for _, r := range rules {
		if r.Placeholder == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.Placeholder, r.value())
	}
	return text
}

// Render reads templatePath, applies rules and writes the result to a new
// temporary file whose name ends with the template's base name. The caller
// owns the returned path and must remove it. No file is left behind when
// Render returns an error.
func Render(templatePath string, rules []Rule) (string, error) {
	content, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", templatePath, err)
	}

	out, err := os.CreateTemp("", "overlayctl-*-"+filepath.Base(templatePath))
	if err != nil {
		return "", fmt.Errorf("failed to create rendered file for %s: %w", templatePath, err)
	}
	path := out.Name()

	if _, err := out.WriteString(Apply(string(content), rules)); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write rendered %s: %w", templatePath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write rendered %s: %w", templatePath, err)
	}
	return path, nil
}
