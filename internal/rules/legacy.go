package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sortline/sortline/internal/domain"
)

// LegacyExpression is the back-compat condition grammar: a single
// "Field Op Value" comparison. Numeric fields (Weight, Volume) accept
// >, <, >=, <=, ==; string fields (Barcode, CartNumber) accept CONTAINS,
// STARTSWITH, ENDSWITH, ==. Everything is case-insensitive. An empty
// condition or the literal DEFAULT always matches.
//
// Parsing is pure: the same condition string always yields the same
// expression, and Matches holds no mutable state.
type LegacyExpression struct {
	field      string
	op         string
	stringVal  string
	decimalVal decimal.Decimal
	numeric    bool
	always     bool
}

const legacyDefault = "default"

var legacyNumericOps = map[string]bool{">": true, "<": true, ">=": true, "<=": true, "==": true}
var legacyStringOps = map[string]bool{"contains": true, "startswith": true, "endswith": true, "==": true}

// ParseLegacyExpression parses a legacy condition string
func ParseLegacyExpression(condition string) (*LegacyExpression, error) {
	s := strings.TrimSpace(condition)
	if s == "" || strings.EqualFold(s, legacyDefault) {
		return &LegacyExpression{always: true}, nil
	}

	parts := strings.Fields(s)
	if len(parts) < 3 {
		return nil, fmt.Errorf("legacy condition %q must be 'Field Op Value'", condition)
	}

	field := strings.ToLower(parts[0])
	op := strings.ToLower(parts[1])
	value := strings.Trim(strings.Join(parts[2:], " "), `"'`)

	expr := &LegacyExpression{field: field, op: op}

	switch field {
	case "weight", "volume":
		if !legacyNumericOps[op] {
			return nil, fmt.Errorf("legacy condition %q: operator %q not valid for numeric field", condition, parts[1])
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("legacy condition %q: invalid numeric value: %w", condition, err)
		}
		expr.numeric = true
		expr.decimalVal = d
	case "barcode", "cartnumber":
		if !legacyStringOps[op] {
			return nil, fmt.Errorf("legacy condition %q: operator %q not valid for string field", condition, parts[1])
		}
		expr.stringVal = value
	default:
		return nil, fmt.Errorf("legacy condition %q: unknown field %q", condition, parts[0])
	}

	return expr, nil
}

// Matches evaluates the expression against a parcel and its optional reading
func (e *LegacyExpression) Matches(parcel *domain.Parcel, reading *domain.DwsReading) bool {
	if e.always {
		return true
	}

	if e.numeric {
		actual, ok := e.numericActual(parcel, reading)
		if !ok {
			return false
		}
		switch e.op {
		case ">":
			return actual.GreaterThan(e.decimalVal)
		case "<":
			return actual.LessThan(e.decimalVal)
		case ">=":
			return actual.GreaterThanOrEqual(e.decimalVal)
		case "<=":
			return actual.LessThanOrEqual(e.decimalVal)
		case "==":
			return actual.Equal(e.decimalVal)
		}
		return false
	}

	actual := e.stringActual(parcel, reading)
	if actual == "" {
		return false
	}

	a := strings.ToLower(actual)
	b := strings.ToLower(e.stringVal)
	switch e.op {
	case "contains":
		return strings.Contains(a, b)
	case "startswith":
		return strings.HasPrefix(a, b)
	case "endswith":
		return strings.HasSuffix(a, b)
	case "==":
		return a == b
	}
	return false
}

func (e *LegacyExpression) numericActual(parcel *domain.Parcel, reading *domain.DwsReading) (decimal.Decimal, bool) {
	if reading != nil {
		switch e.field {
		case "weight":
			return reading.Weight, true
		case "volume":
			return reading.Volume, true
		}
		return decimal.Zero, false
	}
	if parcel == nil {
		return decimal.Zero, false
	}
	switch e.field {
	case "weight":
		return parcel.Weight, true
	case "volume":
		return parcel.Volume, true
	}
	return decimal.Zero, false
}

func (e *LegacyExpression) stringActual(parcel *domain.Parcel, reading *domain.DwsReading) string {
	switch e.field {
	case "barcode":
		if parcel != nil && parcel.Barcode != "" {
			return parcel.Barcode
		}
		if reading != nil {
			return reading.Barcode
		}
	case "cartnumber":
		if parcel != nil {
			return parcel.CartNumber
		}
	}
	return ""
}
