// Package catalog holds the closed set of billable actions: what each costs,
// which provider fulfils it, and the hard input limits that provider imposes.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/creditforge/backend/internal/apperr"
)

// Action is one billable operation.
type Action struct {
	Key      string `yaml:"key" validate:"required"`
	Code     string `yaml:"code" validate:"required"`
	Provider string `yaml:"provider" validate:"required"`
	// Fallbacks are tried in order when the providers before them are out
	// of quota or unavailable.
	Fallbacks          []string `yaml:"fallback_providers" validate:"dive,required"`
	CostCredits        int64    `yaml:"cost_credits" validate:"gte=0"`
	MaxCount           int      `yaml:"max_count" validate:"gte=0"`
	MaxDurationSeconds int      `yaml:"max_duration_seconds" validate:"gte=0"`
	InputSchema        string   `yaml:"input_schema"`

	schema *jsonschema.Schema
}

// Catalog is an immutable action lookup table built once at startup.
type Catalog struct {
	actions map[string]*Action
}

// New compiles every action's input schema and indexes actions by key.
func New(actions []Action) (*Catalog, error) {
	c := &Catalog{actions: make(map[string]*Action, len(actions))}
	for i := range actions {
		a := actions[i]
		if a.Key == "" {
			return nil, fmt.Errorf("catalog: action %d has no key", i)
		}
		if _, dup := c.actions[a.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate action %q", a.Key)
		}
		seen := map[string]bool{a.Provider: true}
		for _, fb := range a.Fallbacks {
			if seen[fb] {
				return nil, fmt.Errorf("catalog: action %q lists provider %q twice", a.Key, fb)
			}
			seen[fb] = true
		}
		if a.InputSchema != "" {
			schema, err := jsonschema.CompileString("https://creditforge.dev/actions/"+a.Key+".input", a.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("catalog: compile input schema %q: %w", a.Key, err)
			}
			a.schema = schema
		}
		c.actions[a.Key] = &a
	}
	return c, nil
}

// Lookup returns the action for key or INVALID_ACTION.
func (c *Catalog) Lookup(key string) (*Action, error) {
	a, ok := c.actions[key]
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidAction, "unknown action %q", key)
	}
	return a, nil
}

// Cost returns the credit cost of an action.
func (c *Catalog) Cost(key string) (int64, error) {
	a, err := c.Lookup(key)
	if err != nil {
		return 0, err
	}
	return a.CostCredits, nil
}

// Actions returns all actions sorted by key.
func (c *Catalog) Actions() []*Action {
	out := make([]*Action, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Providers returns the distinct provider names referenced by the catalogue.
func (c *Catalog) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range c.actions {
		for _, name := range a.Route() {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Route returns the providers to try for the action, primary first.
func (a *Action) Route() []string {
	return append([]string{a.Provider}, a.Fallbacks...)
}

// ValidateInput checks payload against the action's input schema, if any.
func (a *Action) ValidateInput(payload json.RawMessage) error {
	if a.schema == nil {
		return nil
	}
	var doc interface{}
	if len(payload) == 0 {
		doc = map[string]interface{}{}
	} else if err := json.Unmarshal(payload, &doc); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "payload is not valid JSON")
	}
	if err := a.schema.Validate(doc); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "payload does not match %s input schema", a.Key)
	}
	return nil
}
