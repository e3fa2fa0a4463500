package ledger

import (
	"testing"

	"manticore-trading/internal/models"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name      string
		confirmed string
		pending   string
		required  string
		want      models.OrderStatus
	}{
		{"nothing paid", "0", "0", "100", models.StatusPending},
		{"pending only", "0", "100", "100", models.StatusConfirming},
		{"confirmed below required", "40", "0", "100", models.StatusPartiallyPaid},
		{"confirmed plus pending in flight", "40", "60", "100", models.StatusConfirming},
		{"confirmed meets required exactly", "100", "0", "100", models.StatusPaid},
		{"overpaid", "150", "0", "100", models.StatusPaid},
		{"paid with surplus pending", "100", "10", "100", models.StatusPaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(dec(tc.confirmed), dec(tc.pending), dec(tc.required))
			if got != tc.want {
				t.Fatalf("DeriveStatus(%s, %s, %s) = %s, want %s",
					tc.confirmed, tc.pending, tc.required, got, tc.want)
			}
		})
	}
}
