package payment

import (
	"encoding/json"
	"testing"
)

func Test_DecimalJSONRoundTripsAsString(t *testing.T) {
	d, err := NewDecimal("19.99")
	if err != nil {
		t.Fatalf("new decimal: %v", err)
	}

	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"19.99"` {
		t.Fatalf("expected decimal to marshal as a JSON string, got %s", b)
	}

	var got Decimal
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Cmp(d) != 0 {
		t.Fatalf("expected round-tripped decimal to equal original, got %s vs %s", got.String(), d.String())
	}
}

func Test_DecimalJSONAcceptsNumericLiteral(t *testing.T) {
	var got Decimal
	if err := json.Unmarshal([]byte("150"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := DecimalFromInt64(150)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected 150, got %s", got.String())
	}
}

func Test_DecimalJSONInStructRoundTrips(t *testing.T) {
	type envelope struct {
		Amount *Decimal `json:"amount"`
	}
	d, _ := NewDecimal("42.50")
	e := envelope{Amount: d}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Amount.Cmp(d) != 0 {
		t.Fatalf("expected round-tripped amount to equal original, got %s", out.Amount.String())
	}
}
