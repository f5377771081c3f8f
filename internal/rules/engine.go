package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

// Engine evaluates a parcel against the cached rule set. Rules are visited
// in the order the source provided them (ascending priority) and the first
// match wins; evaluation stops there. A matcher failure disqualifies only
// that rule.
type Engine struct {
	cache   *Cache
	logger  *logging.Logger
	metrics *metrics.Metrics

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// NewEngine creates a rule engine over the given cache
func NewEngine(cache *Cache, logger *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cache:      cache,
		logger:     logger.WithComponent("rule-engine"),
		metrics:    m,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Evaluate returns the target chute of the first matching enabled rule.
// matched is false when no rule matched, which is a valid terminal outcome,
// not an error. An error is returned only when the rule set itself is
// unavailable (no cache and the source is down), in which case the caller
// must fail closed.
func (e *Engine) Evaluate(ctx context.Context, parcel *domain.Parcel, reading *domain.DwsReading, third domain.ThirdPartyData) (chute string, matched bool, err error) {
	ruleSet, err := e.cache.GetRules(ctx)
	if err != nil {
		e.metrics.RecordRuleEvaluation("unavailable")
		return "", false, err
	}

	for i := range ruleSet {
		rule := &ruleSet[i]
		if !rule.Enabled {
			continue
		}

		ok, matchErr := e.matchRule(rule, parcel, reading, third)
		if matchErr != nil {
			e.logger.WithError(matchErr).Warn("Rule matcher failed, treating as non-match",
				"ruleId", rule.RuleID,
				"matchingMethod", string(rule.MatchingMethod),
			)
			continue
		}
		if ok {
			e.metrics.RecordRuleEvaluation("matched")
			return rule.TargetChute, true, nil
		}
	}

	e.metrics.RecordRuleEvaluation("no_match")
	return "", false, nil
}

// matchRule dispatches to the matcher named by the rule's matching method.
// A panicking matcher is recovered and reported as a match error.
func (e *Engine) matchRule(rule *domain.SortingRule, parcel *domain.Parcel, reading *domain.DwsReading, third domain.ThirdPartyData) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("matcher panic: %v", r)
		}
	}()

	switch rule.MatchingMethod {
	case domain.MatchBarcodeRegex:
		return e.matchBarcodeRegex(rule.ConditionExpression, parcel, reading)
	case domain.MatchWeight:
		if reading == nil {
			return false, nil
		}
		return matchDecimal(rule.ConditionExpression, reading.Weight)
	case domain.MatchVolume:
		if reading == nil {
			return false, nil
		}
		return matchDecimal(rule.ConditionExpression, reading.Volume)
	case domain.MatchOcr:
		return matchOcr(rule.ConditionExpression, third), nil
	case domain.MatchApiResponse:
		return matchApiResponse(rule.ConditionExpression, third)
	case domain.MatchLowCodeExpression:
		return matchLowCode(rule.ConditionExpression, fieldMap(parcel, reading, third))
	case domain.MatchLegacyExpression:
		expr, parseErr := ParseLegacyExpression(rule.ConditionExpression)
		if parseErr != nil {
			return false, parseErr
		}
		return expr.Matches(parcel, reading), nil
	default:
		return false, fmt.Errorf("unknown matching method %q", rule.MatchingMethod)
	}
}

// matchBarcodeRegex matches the rule regex against the parcel barcode,
// falling back to the reading barcode when the parcel has none yet
func (e *Engine) matchBarcodeRegex(pattern string, parcel *domain.Parcel, reading *domain.DwsReading) (bool, error) {
	barcode := parcel.Barcode
	if barcode == "" && reading != nil {
		barcode = reading.Barcode
	}
	if barcode == "" {
		return false, nil
	}

	re, err := e.compiledRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(barcode), nil
}

func (e *Engine) compiledRegex(pattern string) (*regexp.Regexp, error) {
	e.regexMu.Lock()
	defer e.regexMu.Unlock()

	if re, ok := e.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid barcode regex %q: %w", pattern, err)
	}
	e.regexCache[pattern] = re
	return re, nil
}

// matchDecimal evaluates conditions of the form "<op> <value>" against an
// exact decimal, e.g. ">= 1000" or "== 2.5". A bare value means equality.
func matchDecimal(condition string, actual decimal.Decimal) (bool, error) {
	op, operand, err := splitComparison(condition)
	if err != nil {
		return false, err
	}

	threshold, err := decimal.NewFromString(operand)
	if err != nil {
		return false, fmt.Errorf("invalid decimal operand %q: %w", operand, err)
	}

	return compareDecimal(op, actual, threshold)
}

// matchOcr substring-matches the condition against the recognized OCR text
// in the third-party payload. Absent payload means no match.
func matchOcr(condition string, third domain.ThirdPartyData) bool {
	if third == nil {
		return false
	}
	text, ok := third["ocrText"]
	if !ok || text == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(strings.TrimSpace(condition)))
}

// matchApiResponse evaluates "key=value" equality against the third-party
// payload. Absent payload or key means no match.
func matchApiResponse(condition string, third domain.ThirdPartyData) (bool, error) {
	if third == nil {
		return false, nil
	}
	key, want, found := strings.Cut(condition, "=")
	if !found {
		return false, fmt.Errorf("api response condition %q must be key=value", condition)
	}
	got, ok := third[strings.TrimSpace(key)]
	if !ok {
		return false, nil
	}
	return strings.EqualFold(got, strings.TrimSpace(want)), nil
}

// matchLowCode evaluates a generic predicate over the union of parcel,
// reading, and third-party fields. Clauses of the form "field op value" are
// joined by "&&"; every clause must hold.
func matchLowCode(condition string, fields map[string]string) (bool, error) {
	clauses := strings.Split(condition, "&&")
	for _, clause := range clauses {
		ok, err := evalLowCodeClause(strings.TrimSpace(clause), fields)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalLowCodeClause(clause string, fields map[string]string) (bool, error) {
	parts := strings.Fields(clause)
	if len(parts) < 3 {
		return false, fmt.Errorf("low-code clause %q must be 'field op value'", clause)
	}

	field := parts[0]
	op := parts[1]
	value := strings.Join(parts[2:], " ")
	value = strings.Trim(value, `"'`)

	actual, ok := fields[strings.ToLower(field)]
	if !ok {
		return false, nil
	}

	switch strings.ToLower(op) {
	case "==", "=":
		if ok, err := numericCompare(op, actual, value); err == nil {
			return ok, nil
		}
		return strings.EqualFold(actual, value), nil
	case "!=":
		if ok, err := numericCompare(op, actual, value); err == nil {
			return ok, nil
		}
		return !strings.EqualFold(actual, value), nil
	case ">", "<", ">=", "<=":
		return numericCompare(op, actual, value)
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(value)), nil
	case "startswith":
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(value)), nil
	case "endswith":
		return strings.HasSuffix(strings.ToLower(actual), strings.ToLower(value)), nil
	default:
		return false, fmt.Errorf("unknown low-code operator %q", op)
	}
}

func numericCompare(op, actual, value string) (bool, error) {
	a, err := decimal.NewFromString(actual)
	if err != nil {
		return false, err
	}
	b, err := decimal.NewFromString(value)
	if err != nil {
		return false, err
	}
	switch op {
	case "!=":
		return !a.Equal(b), nil
	case "=":
		return a.Equal(b), nil
	default:
		return compareDecimal(op, a, b)
	}
}

// fieldMap flattens parcel, reading, and third-party data into a single
// lower-cased field namespace for the low-code matcher
func fieldMap(parcel *domain.Parcel, reading *domain.DwsReading, third domain.ThirdPartyData) map[string]string {
	fields := make(map[string]string, 12+len(third))

	if parcel != nil {
		fields["parcelid"] = parcel.ParcelID
		fields["cartnumber"] = parcel.CartNumber
		fields["barcode"] = parcel.Barcode
		fields["sortingmode"] = parcel.SortingMode
	}
	if reading != nil {
		if reading.Barcode != "" {
			fields["barcode"] = reading.Barcode
		}
		fields["weight"] = reading.Weight.String()
		fields["length"] = reading.Length.String()
		fields["width"] = reading.Width.String()
		fields["height"] = reading.Height.String()
		fields["volume"] = reading.Volume.String()
	}
	for k, v := range third {
		fields[strings.ToLower(k)] = v
	}

	return fields
}

// splitComparison splits "<op> <value>" into its parts; a bare value means
// equality
func splitComparison(condition string) (op, operand string, err error) {
	s := strings.TrimSpace(condition)
	if s == "" {
		return "", "", fmt.Errorf("empty comparison condition")
	}

	for _, candidate := range []string{">=", "<=", "==", ">", "<"} {
		if strings.HasPrefix(s, candidate) {
			return candidate, strings.TrimSpace(s[len(candidate):]), nil
		}
	}
	return "==", s, nil
}

func compareDecimal(op string, a, b decimal.Decimal) (bool, error) {
	switch op {
	case ">":
		return a.GreaterThan(b), nil
	case "<":
		return a.LessThan(b), nil
	case ">=":
		return a.GreaterThanOrEqual(b), nil
	case "<=":
		return a.LessThanOrEqual(b), nil
	case "==":
		return a.Equal(b), nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}
