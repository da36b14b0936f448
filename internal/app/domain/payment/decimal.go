package payment

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Decimal is an arbitrary-precision decimal value. Condition operators
// compare numeric fields through Decimal rather than float64 so that
// monetary amounts never pick up binary floating-point rounding error.
type Decimal struct {
	v apd.Decimal
}

// NewDecimal parses s into a Decimal. Malformed input is the caller's
// responsibility to validate; conditions treat an unparsable amount as a
// mismatch rather than panicking.
func NewDecimal(s string) (*Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &Decimal{v: *d}, nil
}

// DecimalFromFloat builds a Decimal from a float64. Intended for call sites
// that already hold a parsed numeric value (e.g. JSON decoding upstream of
// this package).
func DecimalFromFloat(f float64) *Decimal {
	d := new(apd.Decimal)
	d.SetFloat64(f)
	return &Decimal{v: *d}
}

// DecimalFromInt64 builds a Decimal from an int64.
func DecimalFromInt64(i int64) *Decimal {
	d := apd.New(i, 0)
	return &Decimal{v: *d}
}

func (d *Decimal) String() string {
	if d == nil {
		return ""
	}
	return d.v.String()
}

// Cmp returns -1, 0, or 1 as d is less than, equal to, or greater than
// other.
func (d *Decimal) Cmp(other *Decimal) int {
	if d == nil || other == nil {
		return 0
	}
	return d.v.Cmp(&other.v)
}

// MarshalJSON renders the decimal as a JSON string, never a JSON number:
// float64 round-tripping would reintroduce the binary rounding error Decimal
// exists to avoid.
func (d *Decimal) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal(d.v.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number, matching the
// leniency extractors already apply when coercing transaction fields.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := NewDecimal(s)
		if err != nil {
			return err
		}
		*d = *parsed
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	*d = *DecimalFromFloat(f)
	return nil
}

// toDecimal coerces an arbitrary extracted field value into a Decimal.
// Strings are parsed; ints/floats are widened; anything else fails.
func toDecimal(v interface{}) (*Decimal, bool) {
	switch t := v.(type) {
	case *Decimal:
		return t, true
	case Decimal:
		return &t, true
	case string:
		d, err := NewDecimal(t)
		if err != nil {
			return nil, false
		}
		return d, true
	case float64:
		return DecimalFromFloat(t), true
	case float32:
		return DecimalFromFloat(float64(t)), true
	case int:
		return DecimalFromInt64(int64(t)), true
	case int64:
		return DecimalFromInt64(t), true
	case int32:
		return DecimalFromInt64(int64(t)), true
	case fmt.Stringer:
		d, err := NewDecimal(t.String())
		if err != nil {
			return nil, false
		}
		return d, true
	default:
		return nil, false
	}
}
