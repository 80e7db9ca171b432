package dataset

import (
	"context"
	"strings"

	"dpledger/internal/core"
)

// Record is one row of the in-memory dataset.
type Record struct {
	Age       int
	Gender    string
	ZipCode   string
	BloodType string
	Values    map[string]float64
}

// MemoryAccessor serves a fixed slice of records. It is safe for concurrent
// use because the records are never modified.
type MemoryAccessor struct {
	records []Record
	columns map[string]bool
}

func NewMemoryAccessor(records []Record) *MemoryAccessor {
	cols := map[string]bool{colAge: true}
	for _, r := range records {
		for c := range r.Values {
			cols[c] = true
		}
	}
	return &MemoryAccessor{records: records, columns: cols}
}

func (m *MemoryAccessor) matches(r Record, f core.Filters) bool {
	if f.AgeMin != nil && r.Age < *f.AgeMin {
		return false
	}
	if f.AgeMax != nil && r.Age > *f.AgeMax {
		return false
	}
	if f.Gender != "" && r.Gender != f.Gender {
		return false
	}
	if f.ZipCode != "" && r.ZipCode != f.ZipCode {
		return false
	}
	if f.BloodType != "" && r.BloodType != f.BloodType {
		return false
	}
	return true
}

func (m *MemoryAccessor) CohortSize(ctx context.Context, f core.Filters) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range m.records {
		if m.matches(r, f) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAccessor) ColumnValues(ctx context.Context, column string, f core.Filters) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	column = strings.ToLower(column)
	if !m.columns[column] {
		return nil, core.ErrInvalid("column %q is not a queryable numeric column", column)
	}
	var out []float64
	for _, r := range m.records {
		if !m.matches(r, f) {
			continue
		}
		if column == colAge {
			out = append(out, float64(r.Age))
			continue
		}
		if v, ok := r.Values[column]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}
