// Package identity resolves raw carrier names to the key that identifies a
// carrier row.
package identity

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalizer maps a display name to its identity key.
type Normalizer interface {
	Key(name string) string
}

// Exact keys carriers by the trimmed name as received. Distinct spellings
// produce distinct carriers.
type Exact struct{}

func (Exact) Key(name string) string { return strings.TrimSpace(name) }

// Folded keys carriers by a compatibility-normalized, case-folded name with
// internal whitespace collapsed, so "ACME  Freight" and "acme freight" match.
type Folded struct{}

func NewFolded() *Folded { return &Folded{} }

func (f *Folded) Key(name string) string {
	s := norm.NFKC.String(name)
	s = strings.Join(strings.Fields(s), " ")
	// Casers are stateful, so each call gets its own.
	return cases.Fold().String(s)
}

// ByName returns the normalizer for a configured strategy name.
func ByName(name string) (Normalizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact":
		return Exact{}, nil
	case "fold":
		return NewFolded(), nil
	default:
		return nil, fmt.Errorf("unknown carrier name strategy %q", name)
	}
}
