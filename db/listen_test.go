package db

import (
	"testing"
	"time"
)

func TestNextFailureCount(t *testing.T) {
	cases := []struct {
		name     string
		failures int
		stint    time.Duration
		want     int
	}{
		{"first failure", 0, time.Second, 1},
		{"rapid streak extends", 3, 2 * time.Second, 4},
		{"healthy stint resets", 4, 2 * time.Minute, 1},
		{"exactly healthy resets", 4, healthyStint, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextFailureCount(tc.failures, tc.stint); got != tc.want {
				t.Errorf("nextFailureCount(%d, %s) = %d, want %d", tc.failures, tc.stint, got, tc.want)
			}
		})
	}
}
