package grants

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCalculateExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(72 * time.Hour)
	renewal := 30 * 24 * time.Hour

	cases := []struct {
		name     string
		existing *time.Time
		renewal  time.Duration
		want     *time.Time
	}{
		{"no renewal keeps nil", nil, 0, nil},
		{"no renewal keeps existing", &future, 0, &future},
		{"negative renewal keeps existing", &past, -time.Hour, &past},
		{"nil starts from now", nil, renewal, ptr(now.Add(renewal))},
		{"past restarts from now", &past, renewal, ptr(now.Add(renewal))},
		{"future extends", &future, renewal, ptr(future.Add(renewal))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateExpiry(tc.existing, tc.renewal, now)
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.True(t, tc.want.Equal(*got), "want %s got %s", tc.want, got)
		})
	}
}

func TestCalculateExpiryIsMonotonic(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	renewal := 7 * 24 * time.Hour

	var expiry *time.Time
	for i := 0; i < 5; i++ {
		next := CalculateExpiry(expiry, renewal, now)
		if expiry != nil {
			require.False(t, next.Before(*expiry))
			require.Equal(t, renewal, next.Sub(*expiry))
		}
		expiry = next
	}
}

func ptr(t time.Time) *time.Time { return &t }
