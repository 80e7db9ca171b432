package dataset

import (
	"fmt"
	"regexp"
	"strings"
)

// sqlParser turns named parameters {var} into the placeholder style of a
// driver and records their order.
type sqlParser struct {
	regex       *regexp.Regexp
	placeholder func(n int) string
}

func newSQLParser(driver string) *sqlParser {
	return &sqlParser{
		regex:       regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`),
		placeholder: placeholderFor(driver),
	}
}

func placeholderFor(driver string) func(n int) string {
	switch driver {
	case "postgres", "pgx":
		return func(n int) string { return fmt.Sprintf("$%d", n) }
	case "sqlserver", "mssql":
		return func(n int) string { return fmt.Sprintf("@p%d", n) }
	default:
		// sqlite, mysql, odbc
		return func(int) string { return "?" }
	}
}

// parseResult contains the transformed SQL and the parameter names in order
type parseResult struct {
	SQL        string
	ParamNames []string
}

func (p *sqlParser) Parse(sqlText string) *parseResult {
	paramNames := []string{}

	transformedSQL := p.regex.ReplaceAllStringFunc(sqlText, func(match string) string {
		paramNames = append(paramNames, match[1:len(match)-1])
		return p.placeholder(len(paramNames))
	})

	return &parseResult{
		SQL:        transformedSQL,
		ParamNames: paramNames,
	}
}

// MapValues returns values in the order of paramNames.
func (p *sqlParser) MapValues(paramNames []string, values map[string]any) ([]any, error) {
	result := make([]any, len(paramNames))
	missing := []string{}

	for i, name := range paramNames {
		val, ok := values[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		result[i] = val
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing parameters: %s", strings.Join(missing, ", "))
	}

	return result, nil
}
