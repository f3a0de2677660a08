package bytesize

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1b", 1},
		{"1k", KB},
		{"1kb", KB},
		{"256mb", 256 * MB},
		{"1gb", GB},
		{"2tb", 2 * TB},
		{"1pb", PB},
		{"0.5gb", 512 * MB},
		{" 64 mb ", 64 * MB},
		{"-1kb", -KB},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1xb", "mb", "1.2.3kb"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		} else if !errors.Is(err, ErrBadByteSize) && !errors.Is(err, ErrBadByteSizeUnit) {
			t.Errorf("Parse(%q) unexpected error: %v", s, err)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tests := []struct {
		value Int64
		text  string
	}{
		{0, "0"},
		{512, "512"},
		{KB, "1kb"},
		{256 * MB, "256mb"},
		{3 * GB, "3gb"},
	}

	for _, tt := range tests {
		text, err := tt.value.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) failed: %v", tt.value, err)
		}
		if string(text) != tt.text {
			t.Errorf("MarshalText(%d) = %q, want %q", tt.value, text, tt.text)
		}

		var back Int64
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) failed: %v", text, err)
		}
		if back != tt.value {
			t.Errorf("round trip %q = %d, want %d", text, back, tt.value)
		}
	}
}

func TestHumanString(t *testing.T) {
	if s := Int64(512).HumanString(); s != "512" {
		t.Errorf("HumanString(512) = %q", s)
	}
	if s := Int64(256*MB + MB/2).HumanString(); s != "256.50mb" {
		t.Errorf("HumanString = %q, want 256.50mb", s)
	}
}
