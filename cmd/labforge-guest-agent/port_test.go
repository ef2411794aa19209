package main

import "testing"

func TestPortFromEnv(t *testing.T) {
	tests := []struct {
		raw     string
		want    uint32
		wantErr bool
	}{
		{raw: "", want: 10700},
		{raw: " 10800 ", want: 10800},
		{raw: "0", wantErr: true},
		{raw: "http", wantErr: true},
		{raw: "4294967296", wantErr: true},
	}
	for _, tc := range tests {
		got, err := portFromEnv(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("portFromEnv(%q) = %d, want error", tc.raw, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("portFromEnv(%q) = %d, %v; want %d", tc.raw, got, err, tc.want)
		}
	}
}
