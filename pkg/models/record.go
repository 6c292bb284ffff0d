package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// FieldValues maps field name to value for one record.
type FieldValues map[string]Value

// Clone returns a shallow copy; Refs slices are shared.
func (fv FieldValues) Clone() FieldValues {
	c := make(FieldValues, len(fv))
	for k, v := range fv {
		c[k] = v
	}
	return c
}

// Plain converts the values into the plain map handed to record stores.
func (fv FieldValues) Plain() map[string]any {
	out := make(map[string]any, len(fv))
	for k, v := range fv {
		out[k] = v.Interface()
	}
	return out
}

// Names returns the field names in sorted order.
func (fv FieldValues) Names() []string {
	names := make([]string, 0, len(fv))
	for k := range fv {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Checksum fingerprints the values; map keys marshal in sorted order so the
// result is stable across runs.
func (fv FieldValues) Checksum() string {
	data, err := json.Marshal(fv)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Record is one record read from or written to a record store.
type Record struct {
	ID     int64       `json:"id"`
	Values FieldValues `json:"values"`
}

// Get returns the named value, null when absent.
func (r Record) Get(field string) Value {
	if r.Values == nil {
		return Null()
	}
	v, ok := r.Values[field]
	if !ok {
		return Null()
	}
	return v
}

// Batch is an ordered group of source records for one model; the unit of
// export and import.
type Batch struct {
	Model   string   `json:"model"`
	Offset  int      `json:"offset"`
	Records []Record `json:"records"`
}

// SourceIDs returns the ids of the batch's records in batch order.
func (b *Batch) SourceIDs() []int64 {
	ids := make([]int64, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}

// MigrationRecord is one identifier-map entry. At most one live entry
// (SupersededAt == nil) exists per (SourceModel, SourceID).
type MigrationRecord struct {
	SourceModel  string     `json:"source_model"`
	SourceID     int64      `json:"source_id"`
	TargetModel  string     `json:"target_model"`
	TargetID     int64      `json:"target_id"`
	MigratedAt   time.Time  `json:"migrated_at"`
	Checksum     string     `json:"checksum,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// IsLive returns true if the entry has not been superseded.
func (m *MigrationRecord) IsLive() bool {
	return m.SupersededAt == nil
}

// PendingReference is a reference that could not be translated when its
// record was transformed. Single references carry one unresolved id; multi
// references carry the full id set, written once both sides exist.
type PendingReference struct {
	RecordModel         string    `json:"record_model"`
	RecordSourceID      int64     `json:"record_source_id"`
	Field               string    `json:"field"`
	Kind                FieldKind `json:"kind"`
	TargetModel         string    `json:"target_model"`
	UnresolvedSourceID  int64     `json:"unresolved_source_id,omitempty"`
	UnresolvedSourceIDs []int64   `json:"unresolved_source_ids,omitempty"`
}

// SourceIDs returns every referenced source id.
func (p PendingReference) SourceIDs() []int64 {
	if p.Kind == FieldMulti {
		return p.UnresolvedSourceIDs
	}
	return []int64{p.UnresolvedSourceID}
}
