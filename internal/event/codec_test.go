package event_test

import (
	"DelayLedger/internal/event"
	"testing"
)

func TestParseEventType(t *testing.T) {
	for et := event.EventTypeFunded; et <= event.EventTypeAdminRotated; et++ {
		parsed, err := event.ParseEventType(et.String())
		if err != nil {
			t.Fatalf("parse %s: %v", et, err)
		}
		if parsed != et {
			t.Errorf("got %v, want %v", parsed, et)
		}
	}
	if _, err := event.ParseEventType("TradeFill"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestUnmarshal_PolicySettled(t *testing.T) {
	data := []byte(`{"policy_id":3,"paid":true,"amount":100,"observed_delay_minutes":120}`)
	e, err := event.Unmarshal(event.EventTypePolicySettled, data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	settled, ok := e.(*event.PolicySettled)
	if !ok {
		t.Fatalf("unexpected type %T", e)
	}
	if settled.PolicyID != 3 || !settled.Paid || settled.Amount != 100 {
		t.Errorf("unexpected payload %+v", settled)
	}
	if settled.AggregateKey() != "policy:3" {
		t.Errorf("aggregate key: got %q", settled.AggregateKey())
	}
}

func TestMarshal_FieldNames(t *testing.T) {
	data, err := event.Marshal(&event.Funded{CompanyID: "acme-air", Amount: 1000})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"company_id":"acme-air","amount":1000}` {
		t.Errorf("got %s", data)
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	if _, err := event.Unmarshal(event.EventTypeUnknown, []byte(`{}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}
