package main

import "testing"

func TestAdvertisePortFollowsTheListenAddress(t *testing.T) {
	cases := []struct {
		addr string
		want int
	}{
		{":4000", 4000},
		{":8080", 8080},
		{"127.0.0.1:5000", 5000},
		{"0.0.0.0:4000", 4000},
		{"no-port-here", 4000}, // unparsable falls back
		{":", 4000},            // empty port falls back
		{":0", 4000},           // non-positive falls back
	}
	for _, tc := range cases {
		if got := advertisePort(tc.addr, 4000); got != tc.want {
			t.Errorf("advertisePort(%q) = %d, want %d", tc.addr, got, tc.want)
		}
	}
}
