// Package stylelayer builds the small, fixed style sheets pagerescue injects
// into a page and removes again. Each layer is identified by an element id
// so injection is idempotent and removal exact.
package stylelayer

import (
	"context"
	"strings"

	"github.com/aymerick/douceur/css"
)

// Injector adds and removes style layers on a page.
type Injector interface {
	InjectStyle(ctx context.Context, id, css string) error
	RemoveStyle(ctx context.Context, id string) error
}

// Layer is a named set of rules.
type Layer struct {
	ID    string
	sheet *css.Stylesheet
}

// New creates an empty layer.
func New(id string) *Layer {
	return &Layer{ID: id, sheet: css.NewStylesheet()}
}

// Rule appends a qualified rule. Declarations are "property: value" strings
// and are always emitted !important so page styles cannot override them.
func (l *Layer) Rule(selectors string, decls ...string) *Layer {
	r := css.NewRule(css.QualifiedRule)
	r.Prelude = selectors
	for _, s := range strings.Split(selectors, ",") {
		r.Selectors = append(r.Selectors, strings.TrimSpace(s))
	}
	for _, d := range decls {
		prop, val, ok := strings.Cut(d, ":")
		if !ok {
			continue
		}
		r.Declarations = append(r.Declarations, &css.Declaration{
			Property:  strings.TrimSpace(prop),
			Value:     strings.TrimSpace(val),
			Important: true,
		})
	}
	l.sheet.Rules = append(l.sheet.Rules, r)
	return l
}

// CSS renders the layer.
func (l *Layer) CSS() string {
	return l.sheet.String()
}

// Apply injects the layer through inj.
func (l *Layer) Apply(ctx context.Context, inj Injector) error {
	return inj.InjectStyle(ctx, l.ID, l.CSS())
}

// Remove takes the layer out through inj.
func (l *Layer) Remove(ctx context.Context, inj Injector) error {
	return inj.RemoveStyle(ctx, l.ID)
}
