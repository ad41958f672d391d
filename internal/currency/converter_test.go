package currency

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{"100.00", "100", false},
		{"$1,234.50", "1234.5", false},
		{" 12.3 ", "12.3", false},
		{"(12.00)", "-12", false},
		{"-7.25", "-7.25", false},
		{"", "", true},
		{"abc", "", true},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.err {
			if err == nil {
				t.Errorf("Parse(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", c.in, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("Parse(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestToleranceEqual(t *testing.T) {
	d := decimal.RequireFromString
	exact := Exact()
	if !exact.Equal(d("100.00"), d("100")) {
		t.Error("100.00 should equal 100 exactly")
	}
	if exact.Equal(d("100.00"), d("100.01")) {
		t.Error("100.00 should not equal 100.01 exactly")
	}
	// 0.004 rounds to 0.00 at scale 2.
	if !exact.Equal(d("100.004"), d("100")) {
		t.Error("sub-cent difference should round away at scale 2")
	}
	// 0.005 rounds half up to 0.01.
	if exact.Equal(d("100.005"), d("100")) {
		t.Error("half-cent difference should round up to one cent")
	}

	cent := Tolerance{Amount: d("0.01"), Scale: 2}
	if !cent.Equal(d("100.00"), d("99.99")) {
		t.Error("one cent should be within a one cent tolerance")
	}
	if cent.Equal(d("100.00"), d("99.98")) {
		t.Error("two cents should exceed a one cent tolerance")
	}
}

func TestMinorUnits(t *testing.T) {
	if got := MinorUnits(decimal.RequireFromString("150.00"), 2); got != 15000 {
		t.Errorf("MinorUnits = %d, want 15000", got)
	}
	if got := MinorUnits(decimal.RequireFromString("-0.125"), 2); got != -13 {
		t.Errorf("MinorUnits = %d, want -13", got)
	}
	if got := Format(decimal.RequireFromString("95")); got != "95.00" {
		t.Errorf("Format = %q", got)
	}
}
