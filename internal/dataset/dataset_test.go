package dataset

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"dpledger/internal/core"
)

func intPtr(v int) *int { return &v }

func TestSQLParser_Placeholders(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"mysql", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"odbc", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"sqlserver", "SELECT * FROM t WHERE a = @p1 AND b = @p2"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			p := newSQLParser(tt.driver)
			res := p.Parse("SELECT * FROM t WHERE a = {a} AND b = {b}")
			assert.Equal(t, tt.want, res.SQL)
			assert.Equal(t, []string{"a", "b"}, res.ParamNames)
		})
	}
}

func TestSQLParser_MapValues(t *testing.T) {
	p := newSQLParser("sqlite")

	args, err := p.MapValues([]string{"b", "a", "b"}, map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", 1, "x"}, args)

	_, err = p.MapValues([]string{"a", "c"}, map[string]any{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing parameters: c")
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("treatment_cost"))
	assert.True(t, ValidIdentifier("_x1"))
	assert.False(t, ValidIdentifier("1x"))
	assert.False(t, ValidIdentifier("cost; DROP TABLE x"))
	assert.False(t, ValidIdentifier("Cost"))
	assert.True(t, ValidTable("public.patients"))
	assert.False(t, ValidTable("patients--"))
}

func openPatients(t *testing.T, n int) (*SQLAccessor, []Patient) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patients.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	patients := SyntheticPatients(n, 7)
	require.NoError(t, WritePatients(context.Background(), db, "sqlite", "patients", patients))
	require.NoError(t, db.Close())

	acc, err := OpenSQL(context.Background(), "sqlite", path, "patients")
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })
	return acc, patients
}

func TestSQLAccessor_CohortSizeMatchesMemory(t *testing.T) {
	acc, patients := openPatients(t, 500)
	mem := NewMemoryAccessor(Records(patients))
	ctx := context.Background()

	filters := []core.Filters{
		{},
		{Gender: "F"},
		{AgeMin: intPtr(30), AgeMax: intPtr(50)},
		{BloodType: "O+", ZipCode: "10001"},
	}
	for _, f := range filters {
		want, err := mem.CohortSize(ctx, f)
		require.NoError(t, err)
		got, err := acc.CohortSize(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, want, got, "filters %+v", f)
	}
}

func TestSQLAccessor_ColumnValues(t *testing.T) {
	acc, patients := openPatients(t, 200)
	mem := NewMemoryAccessor(Records(patients))
	ctx := context.Background()

	f := core.Filters{Gender: "M", AgeMin: intPtr(40)}
	want, err := mem.ColumnValues(ctx, "weight", f)
	require.NoError(t, err)
	got, err := acc.ColumnValues(ctx, "weight", f)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)

	ages, err := acc.ColumnValues(ctx, "age", core.Filters{})
	require.NoError(t, err)
	assert.Len(t, ages, 200)
}

func TestSQLAccessor_RejectsNonNumericAndUnknownColumns(t *testing.T) {
	acc, _ := openPatients(t, 10)
	ctx := context.Background()

	for _, col := range []string{"ssn", "diagnosis", "missing", "weight; DROP TABLE patients"} {
		_, err := acc.ColumnValues(ctx, col, core.Filters{})
		require.Error(t, err, col)
		assert.Equal(t, core.KindInvalidParameters, core.Kind(err), col)
	}
	assert.Contains(t, acc.NumericColumns(), "treatment_cost")
	assert.NotContains(t, acc.NumericColumns(), "gender")
}

func TestSQLAccessor_SkipsNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nulls.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE people (age INTEGER, gender TEXT, score REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO people VALUES (30, 'F', 1.5), (31, 'F', NULL), (32, 'M', 2.5)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	acc, err := OpenSQL(context.Background(), "sqlite", path, "people")
	require.NoError(t, err)
	defer acc.Close()

	n, err := acc.CohortSize(context.Background(), core.Filters{Gender: "F"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	vals, err := acc.ColumnValues(context.Background(), "score", core.Filters{Gender: "F"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5}, vals)

	// The table has no zip_code column.
	_, err = acc.CohortSize(context.Background(), core.Filters{ZipCode: "10001"})
	assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
}

func TestSQLAccessor_ClosedDatabaseIsDataAccessFailure(t *testing.T) {
	acc, _ := openPatients(t, 10)
	require.NoError(t, acc.Close())

	_, err := acc.CohortSize(context.Background(), core.Filters{})
	require.Error(t, err)
	assert.Equal(t, core.KindDataAccess, core.Kind(err))
}

func TestOpenSQL_InvalidTable(t *testing.T) {
	_, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "x.db"), "x; DROP")
	assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
}

func TestMemoryAccessor(t *testing.T) {
	mem := NewMemoryAccessor([]Record{
		{Age: 20, Gender: "F", Values: map[string]float64{"cost": 10}},
		{Age: 40, Gender: "M", Values: map[string]float64{"cost": 20}},
		{Age: 60, Gender: "F", Values: map[string]float64{}},
	})
	ctx := context.Background()

	n, err := mem.CohortSize(ctx, core.Filters{Gender: "F"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	vals, err := mem.ColumnValues(ctx, "cost", core.Filters{Gender: "F"})
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, vals)

	ages, err := mem.ColumnValues(ctx, "AGE", core.Filters{AgeMax: intPtr(40)})
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 40}, ages)

	_, err = mem.ColumnValues(ctx, "ssn", core.Filters{})
	assert.Equal(t, core.KindInvalidParameters, core.Kind(err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = mem.CohortSize(cctx, core.Filters{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.CohortSize(context.Background(), core.Filters{})
	assert.Equal(t, core.KindDataAccess, core.Kind(err))
	_, err = Unavailable{}.ColumnValues(context.Background(), "age", core.Filters{})
	assert.Equal(t, core.KindDataAccess, core.Kind(err))
}

func TestSyntheticPatientsDeterministic(t *testing.T) {
	a := SyntheticPatients(50, 1)
	b := SyntheticPatients(50, 1)
	assert.Equal(t, a, b)
	for _, p := range a {
		assert.NoError(t, core.Filters{Gender: p.Gender, BloodType: p.BloodType, ZipCode: p.ZipCode}.Validate())
		assert.GreaterOrEqual(t, p.Age, 18)
	}
}
