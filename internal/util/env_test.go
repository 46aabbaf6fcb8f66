package util

import (
	"testing"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"OFF", true, false},
		{"", true, true},
		{"", false, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		t.Setenv("CHECKINPIPE_TEST_BOOL", tc.value)
		if got := ParseBoolEnv("CHECKINPIPE_TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("CHECKINPIPE_TEST_LIST", " a, b ,,c ")
	got := ParseListEnv("CHECKINPIPE_TEST_LIST")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ParseListEnv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}

	t.Setenv("CHECKINPIPE_TEST_LIST", "  ")
	if got := ParseListEnv("CHECKINPIPE_TEST_LIST"); got != nil {
		t.Errorf("blank list = %v, want nil", got)
	}
}

func TestGetEnvDefault(t *testing.T) {
	t.Setenv("CHECKINPIPE_TEST_VALUE", "set")
	if got := GetEnvDefault("CHECKINPIPE_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("GetEnvDefault = %q, want set", got)
	}
	t.Setenv("CHECKINPIPE_TEST_VALUE", "")
	if got := GetEnvDefault("CHECKINPIPE_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("GetEnvDefault = %q, want fallback", got)
	}
}
