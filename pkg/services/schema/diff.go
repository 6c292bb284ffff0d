package schema

import (
	"sort"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// FieldChange describes one field whose definition differs between stores.
type FieldChange struct {
	Field  string                  `json:"field"`
	Source *models.FieldDescriptor `json:"source,omitempty"`
	Target *models.FieldDescriptor `json:"target,omitempty"`
}

// DiffResult compares the source and target description of one model.
type DiffResult struct {
	Model string `json:"model"`
	// NewlyRequired are required on the target without a default while
	// absent or optional on the source.
	NewlyRequired []FieldChange `json:"newly_required,omitempty"`
	// NoLongerRequired are required on the source and optional on the target.
	NoLongerRequired []FieldChange `json:"no_longer_required,omitempty"`
	// MissingOnTarget are stored source fields the target lacks.
	MissingOnTarget []string `json:"missing_on_target,omitempty"`
	// NewOnTarget are target fields the source lacks.
	NewOnTarget []string `json:"new_on_target,omitempty"`
	// KindChanged are fields stored on one side and computed or of a
	// different reference kind on the other.
	KindChanged []FieldChange `json:"kind_changed,omitempty"`
	// RelationChanged are reference fields pointing at different models.
	RelationChanged []FieldChange `json:"relation_changed,omitempty"`

	SourceReferences []models.FieldDescriptor `json:"source_references,omitempty"`
	TargetReferences []models.FieldDescriptor `json:"target_references,omitempty"`
	SourceComputed   []string                 `json:"source_computed,omitempty"`
	TargetComputed   []string                 `json:"target_computed,omitempty"`
}

// Empty reports whether the two descriptions agree on everything the
// migration cares about.
func (d *DiffResult) Empty() bool {
	return len(d.NewlyRequired) == 0 && len(d.NoLongerRequired) == 0 &&
		len(d.MissingOnTarget) == 0 && len(d.KindChanged) == 0 &&
		len(d.RelationChanged) == 0
}

// Diff compares two descriptions of the same model.
func Diff(source, target *models.ModelDescriptor) *DiffResult {
	d := &DiffResult{
		Model:            source.Name,
		SourceReferences: source.ReferenceFields(),
		TargetReferences: target.ReferenceFields(),
		SourceComputed:   computedNames(source),
		TargetComputed:   computedNames(target),
	}

	required := make(map[string]bool)
	for _, name := range RequiredOnTarget(source, target) {
		required[name] = true
	}

	for _, tf := range target.Fields {
		sf, ok := source.Field(tf.Name)
		if !ok {
			d.NewOnTarget = append(d.NewOnTarget, tf.Name)
			if required[tf.Name] {
				d.NewlyRequired = append(d.NewlyRequired, FieldChange{Field: tf.Name, Target: &tf})
			}
			continue
		}
		change := FieldChange{Field: tf.Name, Source: &sf, Target: &tf}
		if required[tf.Name] {
			d.NewlyRequired = append(d.NewlyRequired, change)
		}
		if sf.Required && !tf.Required {
			d.NoLongerRequired = append(d.NoLongerRequired, change)
		}
		if sf.Kind != tf.Kind {
			d.KindChanged = append(d.KindChanged, change)
		} else if sf.Kind.IsReference() && sf.Relation != tf.Relation {
			d.RelationChanged = append(d.RelationChanged, change)
		}
	}

	for _, sf := range source.Fields {
		if sf.Kind == models.FieldComputed {
			continue
		}
		if _, ok := target.Field(sf.Name); !ok {
			d.MissingOnTarget = append(d.MissingOnTarget, sf.Name)
		}
	}

	sort.Strings(d.MissingOnTarget)
	sort.Strings(d.NewOnTarget)
	return d
}

func computedNames(desc *models.ModelDescriptor) []string {
	var out []string
	for _, f := range desc.Fields {
		if f.Kind == models.FieldComputed {
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out
}
