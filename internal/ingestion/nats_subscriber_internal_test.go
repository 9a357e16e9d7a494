package ingestion

import (
	"testing"
	"time"
)

func TestRedeliveryDelay(t *testing.T) {
	tests := []struct {
		delivered uint64
		want      time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{64, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := redeliveryDelay(tt.delivered); got != tt.want {
			t.Errorf("redeliveryDelay(%d) = %v, want %v", tt.delivered, got, tt.want)
		}
	}
}

func TestDefaultSubjects_OracleRetriesLonger(t *testing.T) {
	limits := map[string]int{}
	for _, s := range DefaultSubjects() {
		limits[s.Kind] = s.MaxDeliver
	}
	if limits[KindOracleReport] <= limits[KindPolicyPurchase] {
		t.Errorf("oracle reports should outlast purchases: %v", limits)
	}
}
