// Package document holds the canonical in-memory model of one audit
// document: the location x category risk matrix, per-row metadata, and the
// derived aggregate views. Every mutating operation is copy-on-write: it
// returns a new Document and leaves the receiver untouched, so undo/redo
// and history layers can hold references to earlier states cheaply.
package document

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"auditsync/api/internal/risk"
)

var (
	ErrUnknownRow         = errors.New("unknown row id")
	ErrUnknownCell        = errors.New("cell outside document key space")
	ErrInvalidProbability = errors.New("probability outside 1..5")
	ErrInvalidSeverity    = errors.New("severity outside A..E")
)

// Entry is one assessed cell of the matrix. CompositeCode and RiskValue are
// derived from Probability and Severity; no other code path sets them.
type Entry struct {
	Probability   int    `json:"probability"`
	Severity      string `json:"severity"`
	CompositeCode string `json:"compositeCode"`
	RiskValue     int    `json:"riskValue"`
}

// RowMetadata carries the per-location bookkeeping kept outside the risk
// computation path. An archived row is hidden from aggregates but stays
// addressable for the audit trail.
type RowMetadata struct {
	Comments  string    `json:"comments"`
	Tags      []string  `json:"tags"`
	Status    string    `json:"status"`
	Color     string    `json:"color"`
	Completed bool      `json:"completed"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RowMetaPatch is a partial RowMetadata; nil fields are left unchanged by
// SetRowMeta.
type RowMetaPatch struct {
	Comments  *string   `json:"comments,omitempty"`
	Tags      *[]string `json:"tags,omitempty"`
	Status    *string   `json:"status,omitempty"`
	Color     *string   `json:"color,omitempty"`
	Completed *bool     `json:"completed,omitempty"`
}

// Document is the audit document model. Locations and Categories fix the
// matrix key space at creation time; the key space never shrinks, it can
// only grow through row duplication. Absence of a matrix key means "not yet
// assessed", not zero risk.
type Document struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Locations   []string               `json:"locations"`
	Categories  []string               `json:"categories"`
	Matrix      map[string]Entry       `json:"matrix"`
	RowMeta     map[string]RowMetadata `json:"rowMeta"`
	LastSavedAt *time.Time             `json:"lastSavedAt"`
}

// Aggregate is the set of derived read-only statistics. Computed on demand,
// never stored.
type Aggregate struct {
	CompletionRate     float64     `json:"completionRate"`
	RiskHistogram      map[int]int `json:"riskHistogram"`
	MostCommonCategory string      `json:"mostCommonCategory"`
	AssessedCells      int         `json:"assessedCells"`
	ActiveRows         int         `json:"activeRows"`
}

// CellKey builds the composite matrix key for a location/category pair.
func CellKey(locationID, categoryID string) string {
	return locationID + ":" + categoryID
}

// New creates an empty audit document with the given fixed key space. Every
// location gets default row metadata stamped with the current time.
func New(id, name string, locations, categories []string) Document {
	now := time.Now().UTC()
	meta := make(map[string]RowMetadata, len(locations))
	for _, loc := range locations {
		meta[loc] = RowMetadata{CreatedAt: now, UpdatedAt: now}
	}
	return Document{
		ID:         id,
		Name:       name,
		Locations:  append([]string(nil), locations...),
		Categories: append([]string(nil), categories...),
		Matrix:     make(map[string]Entry),
		RowMeta:    meta,
	}
}

// Clone returns a deep copy. Snapshots and broadcasts must not alias the
// live document's maps.
func (d Document) Clone() Document {
	out := d
	out.Locations = append([]string(nil), d.Locations...)
	out.Categories = append([]string(nil), d.Categories...)
	out.Matrix = make(map[string]Entry, len(d.Matrix))
	for k, v := range d.Matrix {
		out.Matrix[k] = v
	}
	out.RowMeta = make(map[string]RowMetadata, len(d.RowMeta))
	for k, v := range d.RowMeta {
		v.Tags = append([]string(nil), v.Tags...)
		out.RowMeta[k] = v
	}
	if d.LastSavedAt != nil {
		t := *d.LastSavedAt
		out.LastSavedAt = &t
	}
	return out
}

func (d Document) hasLocation(locationID string) bool {
	_, ok := d.RowMeta[locationID]
	return ok
}

func (d Document) hasCategory(categoryID string) bool {
	for _, c := range d.Categories {
		if c == categoryID {
			return true
		}
	}
	return false
}

// SetCell validates the pair, derives the composite code and risk value,
// and replaces the matrix entry.
func (d Document) SetCell(locationID, categoryID string, probability int, severity string) (Document, error) {
	if !d.hasLocation(locationID) || !d.hasCategory(categoryID) {
		return Document{}, fmt.Errorf("set cell %s: %w", CellKey(locationID, categoryID), ErrUnknownCell)
	}
	if !risk.ValidProbability(probability) {
		return Document{}, fmt.Errorf("set cell %s: %w", CellKey(locationID, categoryID), ErrInvalidProbability)
	}
	if !risk.ValidSeverity(severity) {
		return Document{}, fmt.Errorf("set cell %s: %w", CellKey(locationID, categoryID), ErrInvalidSeverity)
	}
	code := risk.CompositeCode(probability, severity)
	out := d.Clone()
	out.Matrix[CellKey(locationID, categoryID)] = Entry{
		Probability:   probability,
		Severity:      severity,
		CompositeCode: code,
		RiskValue:     risk.ResolveCode(code),
	}
	return out, nil
}

// ClearCells removes the entries for the given cell keys, returning the
// cells to "not yet assessed". The key space itself is untouched.
func (d Document) ClearCells(keys []string) (Document, error) {
	out := d.Clone()
	for _, key := range keys {
		if _, ok := out.Matrix[key]; !ok {
			return Document{}, fmt.Errorf("clear cell %s: %w", key, ErrUnknownCell)
		}
		delete(out.Matrix, key)
	}
	return out, nil
}

// SetRowMeta merges the non-nil patch fields into the row's metadata and
// stamps UpdatedAt.
func (d Document) SetRowMeta(rowID string, patch RowMetaPatch) (Document, error) {
	meta, ok := d.RowMeta[rowID]
	if !ok {
		return Document{}, fmt.Errorf("set row meta %s: %w", rowID, ErrUnknownRow)
	}
	out := d.Clone()
	if patch.Comments != nil {
		meta.Comments = *patch.Comments
	}
	if patch.Tags != nil {
		meta.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Status != nil {
		meta.Status = *patch.Status
	}
	if patch.Color != nil {
		meta.Color = *patch.Color
	}
	if patch.Completed != nil {
		meta.Completed = *patch.Completed
	}
	meta.UpdatedAt = time.Now().UTC()
	out.RowMeta[rowID] = meta
	return out, nil
}

// ArchiveRow hides a row from aggregate views. The row and its cells stay
// addressable for restore and the audit trail.
func (d Document) ArchiveRow(rowID string) (Document, error) {
	meta, ok := d.RowMeta[rowID]
	if !ok {
		return Document{}, fmt.Errorf("archive row %s: %w", rowID, ErrUnknownRow)
	}
	out := d.Clone()
	meta.Archived = true
	meta.UpdatedAt = time.Now().UTC()
	out.RowMeta[rowID] = meta
	return out, nil
}

// DuplicateRow creates a new row whose id is the source id plus a
// timestamp-derived suffix, copying the source's metadata. Matrix cells are
// not copied; the new row starts unassessed.
func (d Document) DuplicateRow(rowID string) (Document, string, error) {
	meta, ok := d.RowMeta[rowID]
	if !ok {
		return Document{}, "", fmt.Errorf("duplicate row %s: %w", rowID, ErrUnknownRow)
	}
	now := time.Now().UTC()
	newID := fmt.Sprintf("%s-%d", rowID, now.UnixMilli())
	out := d.Clone()
	copied := meta
	copied.Tags = append([]string(nil), meta.Tags...)
	copied.Archived = false
	copied.CreatedAt = now
	copied.UpdatedAt = now
	out.RowMeta[newID] = copied
	out.Locations = append(out.Locations, newID)
	return out, newID, nil
}

// Rename changes the display label.
func (d Document) Rename(name string) Document {
	out := d.Clone()
	out.Name = name
	return out
}

// WithLastSavedAt stamps the last successful persist time.
func (d Document) WithLastSavedAt(t time.Time) Document {
	out := d.Clone()
	out.LastSavedAt = &t
	return out
}

// Aggregate computes the derived statistics, skipping archived rows
// entirely (both the completion denominator and their assessed cells).
func (d Document) Aggregate() Aggregate {
	agg := Aggregate{RiskHistogram: map[int]int{0: 0, 1: 0, 2: 0, 3: 0, 4: 0}}
	completed := 0
	for _, meta := range d.RowMeta {
		if meta.Archived {
			continue
		}
		agg.ActiveRows++
		if meta.Completed {
			completed++
		}
	}
	if agg.ActiveRows > 0 {
		agg.CompletionRate = float64(completed) / float64(agg.ActiveRows)
	}

	categoryCounts := make(map[string]int)
	for key, entry := range d.Matrix {
		locationID, categoryID, ok := splitCellKey(key)
		if !ok {
			continue
		}
		if meta, exists := d.RowMeta[locationID]; exists && meta.Archived {
			continue
		}
		agg.AssessedCells++
		agg.RiskHistogram[entry.RiskValue]++
		categoryCounts[categoryID]++
	}

	best, bestCount := "", 0
	categories := make([]string, 0, len(categoryCounts))
	for c := range categoryCounts {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		if categoryCounts[c] > bestCount {
			best, bestCount = c, categoryCounts[c]
		}
	}
	agg.MostCommonCategory = best
	return agg
}

func splitCellKey(key string) (locationID, categoryID string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
