// Package payment holds the data model and pure condition-operator algebra
// shared by the ruleset registry and the rule evaluator.
package payment

import (
	"encoding/json"
	"time"
)

// Transaction is the opaque envelope a decision is computed over. Known
// fields are typed; everything else the caller sent rides along in Extra.
// Unknown fields never cause a failure: a condition referencing a field this
// struct doesn't know about falls through to Extra, and a condition
// referencing a field that is absent entirely yields FieldAbsent, not an
// error.
type Transaction struct {
	TransactionID        string                 `json:"transaction_id"`
	OccurredAt           time.Time              `json:"occurred_at"`
	Amount               *Decimal               `json:"amount,omitempty"`
	Currency             string                 `json:"currency,omitempty"`
	CountryCode          string                 `json:"country_code,omitempty"`
	MerchantID           string                 `json:"merchant_id,omitempty"`
	MerchantName         string                 `json:"merchant_name,omitempty"`
	MerchantCategoryCode string                 `json:"merchant_category_code,omitempty"`
	CardHash             string                 `json:"card_hash,omitempty"`
	DeviceID             string                 `json:"device_id,omitempty"`
	TransactionType      string                 `json:"transaction_type,omitempty"`

	// Decision carries the upstream authorization decision on MONITORING
	// requests. It is ignored on AUTH requests.
	Decision string `json:"decision,omitempty"`

	// Extra holds fields the struct has no typed slot for. Values may be
	// string, float64, int64, bool, or []interface{}.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// FieldStatus is the three-valued result of extracting a field from a
// Transaction: a condition referencing a field must distinguish "the field
// genuinely was not present" from "the field was present but of a type the
// operator can't use" — both are false for non-exists operators, but a debug
// sink needs to tell them apart.
type FieldStatus int

const (
	FieldPresent FieldStatus = iota
	FieldAbsent
	FieldMismatch
)

func (s FieldStatus) String() string {
	switch s {
	case FieldPresent:
		return "present"
	case FieldAbsent:
		return "absent"
	case FieldMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// MarshalJSON renders a FieldStatus as its string name rather than the
// underlying int, matching the wire vocabulary debug consumers expect.
func (s FieldStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ExtractField looks up field on the transaction, checking typed slots
// before falling back to Extra. It never returns an error: an unrecognized
// or missing field simply comes back FieldAbsent. It does not check a
// value's type, so it returns only FieldPresent or FieldAbsent, never
// FieldMismatch; a present value of a type the operator cannot use makes
// the operator itself return false.
func ExtractField(tx *Transaction, field string) (interface{}, FieldStatus) {
	if tx == nil {
		return nil, FieldAbsent
	}
	switch field {
	case "transaction_id":
		return presentString(tx.TransactionID)
	case "amount":
		if tx.Amount == nil {
			return nil, FieldAbsent
		}
		return tx.Amount, FieldPresent
	case "currency":
		return presentString(tx.Currency)
	case "country_code":
		return presentString(tx.CountryCode)
	case "merchant_id":
		return presentString(tx.MerchantID)
	case "merchant_name":
		return presentString(tx.MerchantName)
	case "merchant_category_code":
		return presentString(tx.MerchantCategoryCode)
	case "card_hash":
		return presentString(tx.CardHash)
	case "device_id":
		return presentString(tx.DeviceID)
	case "transaction_type":
		return presentString(tx.TransactionType)
	case "decision":
		return presentString(tx.Decision)
	case "occurred_at":
		if tx.OccurredAt.IsZero() {
			return nil, FieldAbsent
		}
		return tx.OccurredAt, FieldPresent
	default:
		if tx.Extra == nil {
			return nil, FieldAbsent
		}
		v, ok := tx.Extra[field]
		if !ok || v == nil {
			return nil, FieldAbsent
		}
		return v, FieldPresent
	}
}

func presentString(s string) (interface{}, FieldStatus) {
	if s == "" {
		return nil, FieldAbsent
	}
	return s, FieldPresent
}
