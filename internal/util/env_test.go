package util

import "testing"

func TestParseBool(t *testing.T) {
	tests := []struct {
		in     string
		def    bool
		want   bool
		wantOK bool
	}{
		{"", true, true, true},
		{"", false, false, true},
		{"yes", false, true, true},
		{" ON ", false, true, true},
		{"1", false, true, true},
		{"off", true, false, true},
		{"No", true, false, true},
		{"maybe", true, true, false},
	}
	for _, tt := range tests {
		got, ok := ParseBool(tt.in, tt.def)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseBool(%q, %v) = %v, %v; want %v, %v", tt.in, tt.def, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("ORDERPIPE_TEST_BOOL", "true")
	if !ParseBoolEnv("ORDERPIPE_TEST_BOOL", false) {
		t.Error("expected true from environment")
	}
	t.Setenv("ORDERPIPE_TEST_BOOL", "garbage")
	if ParseBoolEnv("ORDERPIPE_TEST_BOOL", false) {
		t.Error("expected default for invalid value")
	}
}

func TestParseFloatAndInt(t *testing.T) {
	if f, err := ParseFloat("", 2.5); err != nil || f != 2.5 {
		t.Errorf("ParseFloat empty = %v, %v", f, err)
	}
	if f, err := ParseFloat(" 0.5 ", 2.5); err != nil || f != 0.5 {
		t.Errorf("ParseFloat = %v, %v", f, err)
	}
	if _, err := ParseFloat("-1", 0); err == nil {
		t.Error("ParseFloat should reject negative values")
	}
	if _, err := ParseFloat("fast", 0); err == nil {
		t.Error("ParseFloat should reject non-numbers")
	}
	if n, err := ParseInt("7", 1); err != nil || n != 7 {
		t.Errorf("ParseInt = %v, %v", n, err)
	}
	if n, err := ParseInt("", 3); err != nil || n != 3 {
		t.Errorf("ParseInt empty = %v, %v", n, err)
	}
	if _, err := ParseInt("-2", 0); err == nil {
		t.Error("ParseInt should reject negative values")
	}
}
