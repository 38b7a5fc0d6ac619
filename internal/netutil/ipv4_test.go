package netutil

import (
	"slices"
	"testing"
)

func TestBroadcastAddress(t *testing.T) {
	tests := []struct {
		address string
		netmask string
		want    string
	}{
		{"192.168.1.50", "255.255.255.0", "192.168.1.255"},
		{"10.1.2.3", "255.0.0.0", "10.255.255.255"},
		{"172.16.5.4", "255.255.240.0", "172.16.15.255"},
		{"192.168.1.50", "", ""},
		{"192.168.1.50", "not-a-mask", ""},
		{"192.168.1.50", "255.0.255.0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.address+"/"+tt.netmask, func(t *testing.T) {
			ip, err := ParseIPv4(tt.address, tt.netmask)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := ip.BroadcastAddress(); got != tt.want {
				t.Errorf("BroadcastAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIPv4Invalid(t *testing.T) {
	for _, s := range []string{"", "1.2.3", "256.1.1.1", "::1", "example.com"} {
		if _, err := ParseIPv4(s, "255.255.255.0"); err == nil {
			t.Errorf("expected error for %q", s)
		}
		if IsValidIPv4(s) {
			t.Errorf("IsValidIPv4(%q) = true", s)
		}
	}
}

func TestZeroValueIPv4(t *testing.T) {
	var ip IPv4
	if ip.String() != "" || ip.Netmask() != "" || ip.BroadcastAddress() != "" {
		t.Error("expected empty strings for zero value")
	}
}

func TestBroadcastAddressesDedup(t *testing.T) {
	a, _ := ParseIPv4("192.168.1.10", "255.255.255.0")
	b, _ := ParseIPv4("192.168.1.20", "255.255.255.0")
	c, _ := ParseIPv4("10.0.0.5", "255.255.255.0")
	d, _ := ParseIPv4("10.0.0.6", "")

	got := BroadcastAddresses([]IPv4{a, b, c, d})
	want := []string{"10.0.0.255", "192.168.1.255"}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
