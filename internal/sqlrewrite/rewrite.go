package sqlrewrite

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotParameterizable is returned when a captured statement carries no
// occurrence of the sample record's identity to correlate on.
var ErrNotParameterizable = errors.New("sqlrewrite: statement does not reference the record identity")

// Query is a captured read statement: dialect SQL plus its bound variables.
type Query struct {
	SQL  string
	Vars []any
}

// Fragment is a correlated subquery. Remaining bound variables are written
// as "?" placeholders and carried in Vars.
type Fragment struct {
	SQL  string
	Vars []any
	// Literal reports whether the identity was found as an inline literal
	// rather than as a bound variable.
	Literal bool
}

// Statement is a bulk statement ready to execute. The last placeholder is
// the computation timestamp, supplied at execution time.
type Statement struct {
	Metric string
	SQL    string
	Vars   []any
}

// Args returns the statement's bound variables followed by now.
func (s Statement) Args(now any) []any {
	args := make([]any, 0, len(s.Vars)+1)
	args = append(args, s.Vars...)
	return append(args, now)
}

// Parameterize replaces every reference to identity in q with ref, which
// must be a quoted column reference of the outer table.
//
// Bound variables equal to identity are replaced first. Only when none of
// them match are inline literals considered; LIMIT and OFFSET operands are
// never rewritten.
func Parameterize(q Query, identity any, ref string) (Fragment, error) {
	tokens := Tokenize(q.SQL)

	var (
		b        strings.Builder
		vars     []any
		seq      int
		replaced int
	)
	for _, tok := range tokens {
		if tok.Type != PLACEHOLDER {
			b.WriteString(tok.Value)
			continue
		}
		idx := seq
		if strings.HasPrefix(tok.Value, "$") {
			n, err := strconv.Atoi(tok.Value[1:])
			if err != nil || n < 1 {
				return Fragment{}, fmt.Errorf("sqlrewrite: bad placeholder %q", tok.Value)
			}
			idx = n - 1
		} else {
			seq++
		}
		if idx >= len(q.Vars) {
			return Fragment{}, fmt.Errorf("sqlrewrite: placeholder %q has no bound value", tok.Value)
		}
		if SameValue(q.Vars[idx], identity) {
			b.WriteString(ref)
			replaced++
			continue
		}
		b.WriteString("?")
		vars = append(vars, q.Vars[idx])
	}
	if replaced > 0 {
		return Fragment{SQL: b.String(), Vars: vars}, nil
	}

	// No bound variable carried the identity; look for inline literals.
	literal := fmt.Sprint(identity)
	b.Reset()
	vars = vars[:0]
	seq = 0
	prevWord := ""
	for _, tok := range tokens {
		switch tok.Type {
		case NUMBER:
			if tok.Value == literal && !isPagingKeyword(prevWord) {
				b.WriteString(ref)
				replaced++
			} else {
				b.WriteString(tok.Value)
			}
		case STRING:
			if unquote(tok) == literal {
				b.WriteString(ref)
				replaced++
			} else {
				b.WriteString(tok.Value)
			}
		case PLACEHOLDER:
			b.WriteString("?")
			idx := seq
			if strings.HasPrefix(tok.Value, "$") {
				n, _ := strconv.Atoi(tok.Value[1:])
				idx = n - 1
			} else {
				seq++
			}
			vars = append(vars, q.Vars[idx])
		default:
			b.WriteString(tok.Value)
		}
		if tok.Type != SPACE {
			prevWord = strings.ToUpper(tok.Value)
		}
	}
	if replaced == 0 {
		return Fragment{}, ErrNotParameterizable
	}
	return Fragment{SQL: b.String(), Vars: vars, Literal: true}, nil
}

func isPagingKeyword(word string) bool {
	return word == "LIMIT" || word == "OFFSET"
}

// SameValue reports whether a bound variable equals the identity value.
// Integer kinds compare numerically regardless of width or signedness.
func SameValue(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	for av.Kind() == reflect.Pointer {
		if av.IsNil() {
			return false
		}
		av = av.Elem()
	}
	for bv.Kind() == reflect.Pointer {
		if bv.IsNil() {
			return false
		}
		bv = bv.Elem()
	}
	ai, aInt := integer(av)
	bi, bInt := integer(bv)
	if aInt && bInt {
		return ai == bi
	}
	if aInt != bInt {
		return false
	}
	if av.Kind() == reflect.String && bv.Kind() == reflect.String {
		return av.String() == bv.String()
	}
	if av.Type().Comparable() && av.Type() == bv.Type() {
		return av.Interface() == bv.Interface()
	}
	return fmt.Sprint(av.Interface()) == fmt.Sprint(bv.Interface())
}

// integer widens v to a decimal string when it holds an integer kind.
func integer(v reflect.Value) (string, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), true
	}
	return "", false
}

// Normalize lowercases sql, removes identifier quoting and collapses
// whitespace. String literals keep their content.
func Normalize(sql string) string {
	var b strings.Builder
	space := false
	for _, tok := range Tokenize(sql) {
		switch tok.Type {
		case SPACE:
			space = true
			continue
		case IDENTIFIER:
			tok.Value = strings.ToLower(unquote(tok))
		case STRING:
		default:
			tok.Value = strings.ToLower(tok.Value)
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteString(tok.Value)
	}
	out := strings.TrimSuffix(b.String(), ";")
	out = strings.ReplaceAll(out, " . ", ".")
	out = strings.ReplaceAll(out, " ,", ",")
	out = strings.ReplaceAll(out, "( ", "(")
	out = strings.ReplaceAll(out, " )", ")")
	return strings.TrimSpace(out)
}

var wholeRowPattern = regexp.MustCompile(`^select (?:distinct )?(?:[a-z0-9_$]+\.)?\* `)

// SelectsWholeRow reports whether fragment selects every column, which can
// never be assigned to a single metric column.
func SelectsWholeRow(fragment string) bool {
	return wholeRowPattern.MatchString(Normalize(fragment) + " ")
}

// IsSelfLookup reports whether fragment does nothing but read the outer
// table's own row by its identity. Such a rewrite degenerated instead of
// generalizing.
func IsSelfLookup(fragment, table, idColumn string) bool {
	t := regexp.QuoteMeta(strings.ToLower(table))
	id := regexp.QuoteMeta(strings.ToLower(idColumn))
	pattern := `^select .+ from ` + t + `(?: as [a-z0-9_]+)? where (?:[a-z0-9_]+\.)?` + id +
		` ?= ?` + t + `\.` + id + `(?: order by [a-z0-9_.]+(?: asc| desc)?)?(?: limit 1)?$`
	return regexp.MustCompile(pattern).MatchString(Normalize(fragment))
}

// BulkUpdate synthesizes the statement assigning fragment to column and
// stamping stampColumn for every row of table. All names must already be
// quoted for the target dialect.
func BulkUpdate(metric, table, column, stampColumn string, f Fragment) Statement {
	sql := fmt.Sprintf("UPDATE %s SET %s = (%s), %s = ?", table, column, f.SQL, stampColumn)
	return Statement{Metric: metric, SQL: sql, Vars: append([]any(nil), f.Vars...)}
}
