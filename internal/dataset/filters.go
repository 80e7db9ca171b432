package dataset

import (
	"regexp"
	"strings"

	"dpledger/internal/core"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether s is a safe lowercase column name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidTable reports whether s is a safe, optionally schema-qualified, table name.
func ValidTable(s string) bool {
	return tableRe.MatchString(s)
}

// Filter columns in the dataset.
const (
	colAge       = "age"
	colGender    = "gender"
	colZipCode   = "zip_code"
	colBloodType = "blood_type"
)

// filterClauses renders f as a conjunction over named parameters, for
// sqlParser. It also returns the dataset columns the filters touch.
func filterClauses(f core.Filters) (string, map[string]any, []string) {
	var clauses, cols []string
	params := map[string]any{}
	if f.AgeMin != nil {
		clauses = append(clauses, colAge+" >= {age_min}")
		params["age_min"] = *f.AgeMin
		cols = append(cols, colAge)
	}
	if f.AgeMax != nil {
		clauses = append(clauses, colAge+" <= {age_max}")
		params["age_max"] = *f.AgeMax
		cols = append(cols, colAge)
	}
	if f.Gender != "" {
		clauses = append(clauses, colGender+" = {gender}")
		params["gender"] = f.Gender
		cols = append(cols, colGender)
	}
	if f.ZipCode != "" {
		clauses = append(clauses, colZipCode+" = {zip_code}")
		params["zip_code"] = f.ZipCode
		cols = append(cols, colZipCode)
	}
	if f.BloodType != "" {
		clauses = append(clauses, colBloodType+" = {blood_type}")
		params["blood_type"] = f.BloodType
		cols = append(cols, colBloodType)
	}
	return strings.Join(clauses, " AND "), params, cols
}
