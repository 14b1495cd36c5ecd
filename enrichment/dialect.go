package enrichment

import (
	"fmt"
	"strings"

	"vigil/core"
)

// Supported dialects
const (
	DialectPostgreSQL = "postgresql"
	DialectMySQL      = "mysql"
	DialectSQLite     = "sqlite"
)

// Condition pins one row attribute to the alert's value for it
type Condition struct {
	Attribute string
	Value     string
}

// QueryBuilder generates the row-expansion queries of one SQL dialect. The rule rows are
// always bound as a single JSON array parameter and every value is bound; only attribute
// names are embedded, after ValidateIdentifier accepted them.
type QueryBuilder interface {
	Dialect() string
	// BuildMatchQuery selects the first row (in original order) that satisfies any of the
	// AND-groups. Each condition matches when the row value equals the alert value or is
	// the wildcard.
	BuildMatchQuery(rowsJSON string, groups [][]Condition) (string, []any, error)
	// BuildMultiLevelQuery selects, in original order, every row whose key attribute is
	// one of values.
	BuildMultiLevelQuery(rowsJSON string, key string, values []string) (string, []any, error)
}

// NewQueryBuilder returns the builder for dialect
func NewQueryBuilder(dialect string) (QueryBuilder, error) {
	switch dialect {
	case DialectPostgreSQL:
		return postgresBuilder{}, nil
	case DialectMySQL:
		return mysqlBuilder{}, nil
	case DialectSQLite:
		return sqliteBuilder{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// dialectSyntax captures what differs between dialects
type dialectSyntax struct {
	// from expands the bound JSON array into records
	from string
	// rowColumn is the selected JSON document of one record
	rowColumn string
	// order sorts records by their original array position
	order string
	// extract renders the text value of attribute attr of a record
	extract func(attr string) string
	// placeholder renders the n-th (1-based) bind parameter
	placeholder func(n int) string
}

func buildMatch(d dialectSyntax, rowsJSON string, groups [][]Condition) (string, []any, error) {
	if len(groups) == 0 {
		return "", nil, fmt.Errorf("no matcher groups")
	}
	args := []any{rowsJSON}
	bind := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	from := strings.ReplaceAll(d.from, "{rows}", d.placeholder(1))

	groupClauses := make([]string, 0, len(groups))
	for _, group := range groups {
		if len(group) == 0 {
			return "", nil, fmt.Errorf("empty matcher group")
		}
		conds := make([]string, 0, len(group))
		for _, c := range group {
			if err := core.ValidateIdentifier(c.Attribute); err != nil {
				return "", nil, err
			}
			col := d.extract(c.Attribute)
			conds = append(conds, fmt.Sprintf("(%s = %s OR %s = %s)", col, bind(c.Value), col, bind(core.Wildcard)))
		}
		groupClauses = append(groupClauses, "("+strings.Join(conds, " AND ")+")")
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT 1",
		d.rowColumn, from, strings.Join(groupClauses, " OR "), d.order)
	return query, args, nil
}

func buildMultiLevel(d dialectSyntax, rowsJSON string, key string, values []string) (string, []any, error) {
	if err := core.ValidateIdentifier(key); err != nil {
		return "", nil, err
	}
	if len(values) == 0 {
		return "", nil, fmt.Errorf("no values to match")
	}
	args := []any{rowsJSON}
	from := strings.ReplaceAll(d.from, "{rows}", d.placeholder(1))

	placeholders := make([]string, len(values))
	for i, v := range values {
		args = append(args, v)
		placeholders[i] = d.placeholder(len(args))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) ORDER BY %s",
		d.rowColumn, from, d.extract(key), strings.Join(placeholders, ", "), d.order)
	return query, args, nil
}

func questionMark(int) string { return "?" }

// jsonPathKey renders a JSON path addressing a single (possibly dotted) key
func jsonPathKey(attr string) string {
	return `'$."` + attr + `"'`
}

type sqliteBuilder struct{}

var sqliteSyntax = dialectSyntax{
	from:      "json_each({rows})",
	rowColumn: "value",
	order:     "key",
	extract: func(attr string) string {
		return "json_extract(value, " + jsonPathKey(attr) + ")"
	},
	placeholder: questionMark,
}

func (sqliteBuilder) Dialect() string { return DialectSQLite }

func (sqliteBuilder) BuildMatchQuery(rowsJSON string, groups [][]Condition) (string, []any, error) {
	return buildMatch(sqliteSyntax, rowsJSON, groups)
}

func (sqliteBuilder) BuildMultiLevelQuery(rowsJSON string, key string, values []string) (string, []any, error) {
	return buildMultiLevel(sqliteSyntax, rowsJSON, key, values)
}

type postgresBuilder struct{}

var postgresSyntax = dialectSyntax{
	from:      "jsonb_array_elements({rows}::jsonb) WITH ORDINALITY AS r(value, idx)",
	rowColumn: "r.value",
	order:     "r.idx",
	extract: func(attr string) string {
		return "(r.value ->> '" + attr + "')"
	},
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

func (postgresBuilder) Dialect() string { return DialectPostgreSQL }

func (postgresBuilder) BuildMatchQuery(rowsJSON string, groups [][]Condition) (string, []any, error) {
	return buildMatch(postgresSyntax, rowsJSON, groups)
}

func (postgresBuilder) BuildMultiLevelQuery(rowsJSON string, key string, values []string) (string, []any, error) {
	return buildMultiLevel(postgresSyntax, rowsJSON, key, values)
}

type mysqlBuilder struct{}

var mysqlSyntax = dialectSyntax{
	from:      "JSON_TABLE(CAST({rows} AS JSON), '$[*]' COLUMNS (idx FOR ORDINALITY, row_value JSON PATH '$')) AS r",
	rowColumn: "r.row_value",
	order:     "r.idx",
	extract: func(attr string) string {
		return "JSON_UNQUOTE(JSON_EXTRACT(r.row_value, " + jsonPathKey(attr) + "))"
	},
	placeholder: questionMark,
}

func (mysqlBuilder) Dialect() string { return DialectMySQL }

func (mysqlBuilder) BuildMatchQuery(rowsJSON string, groups [][]Condition) (string, []any, error) {
	return buildMatch(mysqlSyntax, rowsJSON, groups)
}

func (mysqlBuilder) BuildMultiLevelQuery(rowsJSON string, key string, values []string) (string, []any, error) {
	return buildMultiLevel(mysqlSyntax, rowsJSON, key, values)
}
