// Package transform turns exported source records into records ready to be
// created on the target.
package transform

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Rules is the parsed rule file.
type Rules struct {
	Models map[string]*ModelRules `yaml:"models"`
	Seeds  []Seed                 `yaml:"seeds"`
}

// ModelRules holds the rules of one source model.
type ModelRules struct {
	ValueMaps map[string]*ValueMap    `yaml:"value_maps"`
	Required  map[string]RequiredRule `yaml:"required"`
	// ReferenceFallbacks are target ids written into required reference
	// fields whose mapping is not yet known. The resolver replaces them.
	ReferenceFallbacks map[string]int64 `yaml:"reference_fallbacks"`
	// StringLimits cap string fields regardless of the target's own limit.
	StringLimits map[string]int `yaml:"string_limits"`
}

// ValueMap remaps source values by their string key.
type ValueMap struct {
	Values map[string]any
	// Default replaces values absent from Values when HasDefault is set.
	Default    any
	HasDefault bool
}

// UnmarshalYAML accepts either {values: {...}, default: x} or a bare
// mapping of values.
func (m *ValueMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: value map must be a mapping", node.Line)
	}

	structured := false
	for i := 0; i < len(node.Content); i += 2 {
		if k := node.Content[i].Value; k == "values" || k == "default" {
			structured = true
		}
	}

	m.Values = make(map[string]any)
	if !structured {
		return node.Decode(&m.Values)
	}
	for i := 0; i < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "values":
			if err := val.Decode(&m.Values); err != nil {
				return fmt.Errorf("line %d: %w", val.Line, err)
			}
		case "default":
			m.HasDefault = true
			if err := val.Decode(&m.Default); err != nil {
				return fmt.Errorf("line %d: %w", val.Line, err)
			}
		default:
			return fmt.Errorf("line %d: unknown value map key %q", key.Line, key.Value)
		}
	}
	return nil
}

// Apply returns the remapped value and whether v changed.
func (m *ValueMap) Apply(v models.Value) (models.Value, bool, error) {
	raw, ok := m.Values[v.Key()]
	if !ok {
		if !m.HasDefault {
			return v, false, nil
		}
		raw = m.Default
	}
	out, err := models.FromAny(raw)
	if err != nil {
		return v, false, err
	}
	return out, true, nil
}

// RequiredRule fills one field required on the target. Exactly one of the
// three members is set.
type RequiredRule struct {
	Static    any         `yaml:"static"`
	FromField string      `yaml:"from_field"`
	Lookup    *LookupSpec `yaml:"lookup"`
}

// LookupSpec picks a target record of Model whose fields equal the source
// record's fields. Match maps candidate field to source field.
type LookupSpec struct {
	Model string            `yaml:"model"`
	Match map[string]string `yaml:"match"`
}

func (r RequiredRule) validate() error {
	set := 0
	if r.Static != nil {
		set++
	}
	if r.FromField != "" {
		set++
	}
	if r.Lookup != nil {
		set++
		if r.Lookup.Model == "" || len(r.Lookup.Match) == 0 {
			return fmt.Errorf("lookup needs model and match")
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of static, from_field or lookup must be set")
	}
	return nil
}

// Seed lists records that must exist on the target before the run. Key
// names the field that identifies a record.
type Seed struct {
	Model   string           `yaml:"model"`
	Key     string           `yaml:"key"`
	Records []map[string]any `yaml:"records"`
}

// LoadRules reads a rule file. An empty path yields empty rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return &Rules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates rule YAML.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks every rule is well formed.
func (r *Rules) Validate() error {
	for model, mr := range r.Models {
		if mr == nil {
			continue
		}
		for field, rule := range mr.Required {
			if err := rule.validate(); err != nil {
				return fmt.Errorf("rules for %s.%s: %w", model, field, err)
			}
		}
		for field, n := range mr.StringLimits {
			if n < 1 {
				return fmt.Errorf("rules for %s.%s: string limit must be positive", model, field)
			}
		}
	}
	for i, s := range r.Seeds {
		if s.Model == "" || s.Key == "" {
			return fmt.Errorf("seeds[%d]: model and key are required", i)
		}
		for j, rec := range s.Records {
			if _, ok := rec[s.Key]; !ok {
				return fmt.Errorf("seeds[%d].records[%d]: missing key field %s", i, j, s.Key)
			}
		}
	}
	return nil
}

// For returns the rules of model, never nil.
func (r *Rules) For(model string) *ModelRules {
	if r != nil {
		if mr, ok := r.Models[model]; ok && mr != nil {
			return mr
		}
	}
	return &ModelRules{}
}

// LookupModels returns every target model a lookup rule selects from.
func (r *Rules) LookupModels() []string {
	seen := make(map[string]bool)
	for _, mr := range r.Models {
		if mr == nil {
			continue
		}
		for _, rule := range mr.Required {
			if rule.Lookup != nil {
				seen[rule.Lookup.Model] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AttachDefaults returns desc with a rule on every required-on-target field
// that has one configured. candidates holds the target records of each
// lookup model.
func (r *Rules) AttachDefaults(desc *models.ModelDescriptor, candidates map[string][]models.Record) *models.ModelDescriptor {
	mr := r.For(desc.Name)
	required := make([]models.RequiredField, len(desc.RequiredOnTarget))
	for i, rf := range desc.RequiredOnTarget {
		required[i] = models.RequiredField{Name: rf.Name, Rule: rf.Rule}
		rule, ok := mr.Required[rf.Name]
		if !ok {
			continue
		}
		switch {
		case rule.Lookup != nil:
			required[i].Rule = &models.DefaultRule{
				Kind: models.DefaultLookup,
				Lookup: &models.LookupRule{
					Model:      rule.Lookup.Model,
					Match:      rule.Lookup.Match,
					Candidates: candidates[rule.Lookup.Model],
				},
			}
		case rule.FromField != "":
			required[i].Rule = &models.DefaultRule{Kind: models.DefaultFromField, FromField: rule.FromField}
		default:
			required[i].Rule = &models.DefaultRule{Kind: models.DefaultStatic, Value: rule.Static}
		}
	}
	return desc.WithRequired(required)
}
