package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect holds the few differences between the SQL backends.
type Dialect struct {
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// QuoteIdent quotes an already validated identifier.
	QuoteIdent func(name string) string
	// Unlimited is the LIMIT value used when only an offset is requested.
	Unlimited string
	// Arg converts a record value into a driver argument. Optional.
	Arg func(v any) (any, error)
}

// EncodeNestedArg turns maps, slices and structs into JSON text so nested
// record values fit a text column.
func EncodeNestedArg(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case driver.Valuer, []byte, time.Time:
		return v, nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return string(data), nil
	}
	return v, nil
}

func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type sqlBuilder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) ident(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	b.sb.WriteString(b.d.QuoteIdent(name))
	return nil
}

func (b *sqlBuilder) bind(v any) error {
	if b.d.Arg != nil {
		converted, err := b.d.Arg(v)
		if err != nil {
			return err
		}
		v = converted
	}
	b.args = append(b.args, v)
	b.sb.WriteString(b.d.Placeholder(len(b.args)))
	return nil
}

func (b *sqlBuilder) where(where Where) error {
	if len(where) == 0 {
		return nil
	}
	b.sb.WriteString(" WHERE ")
	for i, col := range sortedKeys(where) {
		if i > 0 {
			b.sb.WriteString(" AND ")
		}
		if err := b.ident(col); err != nil {
			return err
		}
		if where[col] == nil {
			b.sb.WriteString(" IS NULL")
			continue
		}
		b.sb.WriteString(" = ")
		if err := b.bind(where[col]); err != nil {
			return err
		}
	}
	return nil
}

// BuildInsert renders a single-row insert that returns the stored row.
func BuildInsert(d Dialect, table string, record Record) (string, []any, error) {
	if len(record) == 0 {
		return "", nil, ErrEmptyRecord
	}
	b := &sqlBuilder{d: d}
	b.sb.WriteString("INSERT INTO ")
	if err := b.ident(table); err != nil {
		return "", nil, err
	}
	cols := sortedKeys(record)
	b.sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := b.ident(col); err != nil {
			return "", nil, err
		}
	}
	b.sb.WriteString(") VALUES (")
	for i, col := range cols {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := b.bind(record[col]); err != nil {
			return "", nil, err
		}
	}
	b.sb.WriteString(") RETURNING *")
	return b.sb.String(), b.args, nil
}

func BuildSelect(d Dialect, table string, q Query) (string, []any, error) {
	b := &sqlBuilder{d: d}
	b.sb.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.sb.WriteString("*")
	}
	for i, col := range q.Columns {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := b.ident(col); err != nil {
			return "", nil, err
		}
	}
	b.sb.WriteString(" FROM ")
	if err := b.ident(table); err != nil {
		return "", nil, err
	}
	if err := b.where(q.Where); err != nil {
		return "", nil, err
	}
	for i, o := range q.OrderBy {
		if i == 0 {
			b.sb.WriteString(" ORDER BY ")
		} else {
			b.sb.WriteString(", ")
		}
		if err := b.ident(o.Column); err != nil {
			return "", nil, err
		}
		if o.Desc {
			b.sb.WriteString(" DESC")
		} else {
			b.sb.WriteString(" ASC")
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return "", nil, fmt.Errorf("negative limit or offset")
	}
	if q.Limit > 0 {
		b.sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	} else if q.Offset > 0 {
		b.sb.WriteString(" LIMIT " + d.Unlimited)
	}
	if q.Offset > 0 {
		b.sb.WriteString(" OFFSET " + strconv.Itoa(q.Offset))
	}
	return b.sb.String(), b.args, nil
}

// BuildUpdate overwrites the given fields on every row matching where and
// returns the updated rows.
func BuildUpdate(d Dialect, table string, record Record, where Where) (string, []any, error) {
	if len(record) == 0 {
		return "", nil, ErrEmptyRecord
	}
	if len(where) == 0 {
		return "", nil, ErrEmptySelector
	}
	b := &sqlBuilder{d: d}
	b.sb.WriteString("UPDATE ")
	if err := b.ident(table); err != nil {
		return "", nil, err
	}
	b.sb.WriteString(" SET ")
	for i, col := range sortedKeys(record) {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := b.ident(col); err != nil {
			return "", nil, err
		}
		b.sb.WriteString(" = ")
		if err := b.bind(record[col]); err != nil {
			return "", nil, err
		}
	}
	if err := b.where(where); err != nil {
		return "", nil, err
	}
	b.sb.WriteString(" RETURNING *")
	return b.sb.String(), b.args, nil
}

func BuildDelete(d Dialect, table string, where Where) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, ErrEmptySelector
	}
	b := &sqlBuilder{d: d}
	b.sb.WriteString("DELETE FROM ")
	if err := b.ident(table); err != nil {
		return "", nil, err
	}
	if err := b.where(where); err != nil {
		return "", nil, err
	}
	return b.sb.String(), b.args, nil
}

// BuildUpsert renders an insert that overwrites every given column when a row
// with the same conflict column already exists.
func BuildUpsert(d Dialect, table string, record Record, conflict string) (string, []any, error) {
	if len(record) == 0 {
		return "", nil, ErrEmptyRecord
	}
	if _, ok := record[conflict]; !ok {
		return "", nil, fmt.Errorf("record has no %q value", conflict)
	}
	b := &sqlBuilder{d: d}
	b.sb.WriteString("INSERT INTO ")
	if err := b.ident(table); err != nil {
		return "", nil, err
	}
	cols := sortedKeys(record)
	b.sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := b.ident(col); err != nil {
			return "", nil, err
		}
	}
	b.sb.WriteString(") VALUES (")
	for i, col := range cols {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := b.bind(record[col]); err != nil {
			return "", nil, err
		}
	}
	b.sb.WriteString(") ON CONFLICT (")
	if err := b.ident(conflict); err != nil {
		return "", nil, err
	}
	b.sb.WriteString(")")
	updates := 0
	for _, col := range cols {
		if col == conflict {
			continue
		}
		if updates == 0 {
			b.sb.WriteString(" DO UPDATE SET ")
		} else {
			b.sb.WriteString(", ")
		}
		quoted := d.QuoteIdent(col)
		b.sb.WriteString(quoted + " = EXCLUDED." + quoted)
		updates++
	}
	if updates == 0 {
		b.sb.WriteString(" DO NOTHING")
	}
	return b.sb.String(), b.args, nil
}
