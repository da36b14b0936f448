package payment

import "strings"

// Operator names a condition's comparison. Numeric operators coerce both
// sides to Decimal; string operators compare case-sensitively; exists is the
// only operator that treats an absent field as a meaningful (true/false)
// answer rather than an automatic false.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpBetween    Operator = "between"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpExists     Operator = "exists"
)

// Condition is a single (field, operator, value|values) predicate evaluated
// against a Transaction.
type Condition struct {
	Field    string        `json:"field"`
	Operator Operator      `json:"operator"`
	Value    interface{}   `json:"value,omitempty"`  // eq, ne, gt, gte, lt, lte, contains, starts_with, ends_with
	Values   []interface{} `json:"values,omitempty"` // in, not_in, between (exactly two monotone bounds)
}

// Evaluate is the pure function evaluate(condition, transaction) -> bool
// from the condition-operator design: absent or mismatched fields return
// false for every operator except exists. sink may be nil, in which case no
// trace is recorded and the call costs nothing beyond the comparison
// itself.
func Evaluate(cond Condition, tx *Transaction, sink DebugSink) bool {
	value, status := ExtractField(tx, cond.Field)

	result := evaluateOperator(cond, value, status)

	if sink != nil {
		trace := ConditionTrace{
			Field:       cond.Field,
			Operator:    cond.Operator,
			FieldStatus: status,
			FieldValue:  value,
			Result:      result,
		}
		sink.Record(trace)
	}
	return result
}

func evaluateOperator(cond Condition, value interface{}, status FieldStatus) bool {
	if cond.Operator == OpExists {
		return status == FieldPresent
	}
	if status != FieldPresent {
		return false
	}

	switch cond.Operator {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return evaluateComparison(cond.Operator, value, cond.Value)
	case OpIn:
		return evaluateMembership(value, cond.Values, true)
	case OpNotIn:
		return evaluateMembership(value, cond.Values, false)
	case OpBetween:
		return evaluateBetween(value, cond.Values)
	case OpContains:
		return evaluateStringPredicate(value, cond.Value, strings.Contains)
	case OpStartsWith:
		return evaluateStringPredicate(value, cond.Value, strings.HasPrefix)
	case OpEndsWith:
		return evaluateStringPredicate(value, cond.Value, strings.HasSuffix)
	default:
		return false
	}
}

// evaluateComparison handles eq/ne/gt/gte/lt/lte. Numeric-looking values are
// compared as arbitrary-precision decimals; everything else falls back to
// string equality semantics for eq/ne and false for ordered comparisons
// (ordering a non-numeric field is a rule-authoring error, not a runtime
// fault, so it simply never matches).
func evaluateComparison(op Operator, fieldValue, condValue interface{}) bool {
	left, leftOK := toDecimal(fieldValue)
	right, rightOK := toDecimal(condValue)
	if leftOK && rightOK {
		cmp := left.Cmp(right)
		switch op {
		case OpEq:
			return cmp == 0
		case OpNe:
			return cmp != 0
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		}
		return false
	}

	// Non-numeric: only equality/inequality are meaningful, compared
	// case-sensitively as strings.
	leftStr, leftIsStr := fieldValue.(string)
	rightStr, rightIsStr := condValue.(string)
	if leftIsStr && rightIsStr {
		switch op {
		case OpEq:
			return leftStr == rightStr
		case OpNe:
			return leftStr != rightStr
		}
	}
	return false
}

func evaluateMembership(fieldValue interface{}, candidates []interface{}, wantMember bool) bool {
	member := false
	for _, c := range candidates {
		if valuesEqual(fieldValue, c) {
			member = true
			break
		}
	}
	return member == wantMember
}

// evaluateBetween is inclusive on both bounds; values must contain exactly
// two monotone bounds [low, high].
func evaluateBetween(fieldValue interface{}, bounds []interface{}) bool {
	if len(bounds) != 2 {
		return false
	}
	value, valueOK := toDecimal(fieldValue)
	low, lowOK := toDecimal(bounds[0])
	high, highOK := toDecimal(bounds[1])
	if !valueOK || !lowOK || !highOK {
		return false
	}
	if low.Cmp(high) > 0 {
		low, high = high, low
	}
	return value.Cmp(low) >= 0 && value.Cmp(high) <= 0
}

func evaluateStringPredicate(fieldValue, condValue interface{}, predicate func(s, substr string) bool) bool {
	fieldStr, ok := fieldValue.(string)
	if !ok {
		return false
	}
	condStr, ok := condValue.(string)
	if !ok {
		return false
	}
	return predicate(fieldStr, condStr)
}

// valuesEqual implements the "semantic equality per field kind" rule used by
// in/not_in membership tests: numeric-looking pairs compare as decimals,
// everything else compares as case-sensitive strings.
func valuesEqual(a, b interface{}) bool {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db) == 0
		}
	}
	as, aOK := a.(string)
	bs, bOK := b.(string)
	if aOK && bOK {
		return as == bs
	}
	return false
}
