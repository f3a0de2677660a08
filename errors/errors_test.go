package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Op:     OpAllocate,
				Kind:   KindOutOfDeviceMemory,
				Detail: "heap 0 exhausted",
			},
			contains: []string{"[allocate]", "out_of_device_memory", "heap 0 exhausted"},
		},
		{
			name: "minimal error",
			err: &Error{
				Op:   OpMap,
				Kind: KindMemoryMapFailed,
			},
			contains: []string{"[map]", "memory_map_failed"},
		},
		{
			name: "error with cause",
			err: &Error{
				Op:     OpDevice,
				Kind:   KindOutOfDeviceMemory,
				Detail: "new block",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[device]", "out_of_device_memory", "new block", "caused by", "underlying error"},
		},
		{
			name: "sentinel without op",
			err:  ErrCorruptionDetected,
			contains: []string{
				"corruption_detected",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Op:    OpDevice,
		Kind:  KindOutOfDeviceMemory,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Op:     OpAllocate,
		Kind:   KindOutOfDeviceMemory,
		Detail: "heap 1 full",
	}

	// Same op and kind
	if !err.Is(&Error{Op: OpAllocate, Kind: KindOutOfDeviceMemory}) {
		t.Error("Is should match same op and kind")
	}

	// Different op
	if err.Is(&Error{Op: OpPool, Kind: KindOutOfDeviceMemory}) {
		t.Error("Is should not match different op")
	}

	// Different kind
	if err.Is(&Error{Op: OpAllocate, Kind: KindInvalidArgument}) {
		t.Error("Is should not match different kind")
	}

	// Sentinel matches regardless of op
	if !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Error("sentinel should match on kind alone")
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Error("sentinel of another kind should not match")
	}

	// Wrapped errors still match sentinels
	wrapped := Wrap(OpDefrag, KindIncomplete, err, "move budget hit")
	if !errors.Is(wrapped, ErrIncomplete) {
		t.Error("wrapping error should match its own kind")
	}
	if !errors.Is(wrapped, ErrOutOfDeviceMemory) {
		t.Error("wrapped cause should match through Unwrap")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(OpAllocate, KindInvalidArgument).
		Value(int64(-5)).
		Cause(cause).
		Detail("size must be positive, got %d", -5).
		Build()

	if err.Op != OpAllocate {
		t.Errorf("Op = %v, want %v", err.Op, OpAllocate)
	}
	if err.Kind != KindInvalidArgument {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidArgument)
	}
	if err.Value != int64(-5) {
		t.Errorf("Value = %v, want -5", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "size must be positive, got -5" {
		t.Errorf("Detail = %v, want 'size must be positive, got -5'", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("OutOfDeviceMemory", func(t *testing.T) {
		err := OutOfDeviceMemory(OpAllocate, "heap 0 limit reached")
		if err.Kind != KindOutOfDeviceMemory {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfDeviceMemory)
		}
		if !errors.Is(err, ErrOutOfDeviceMemory) {
			t.Error("should match sentinel")
		}
	})

	t.Run("AllocationFailed", func(t *testing.T) {
		err := AllocationFailed(OpAllocate, 1024, 8)
		if err.Kind != KindOutOfDeviceMemory {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfDeviceMemory)
		}
		if !strings.Contains(err.Detail, "1024") {
			t.Errorf("Detail = %v, should contain size", err.Detail)
		}
	})

	t.Run("Corruption", func(t *testing.T) {
		err := Corruption(2, 0x2a, 4096)
		if err.Kind != KindCorruption {
			t.Errorf("Kind = %v, want %v", err.Kind, KindCorruption)
		}
		for _, s := range []string{"memory type 2", "0x2a", "4096"} {
			if !strings.Contains(err.Detail, s) {
				t.Errorf("Detail = %v, should contain %q", err.Detail, s)
			}
		}
	})

	t.Run("TooManyObjects", func(t *testing.T) {
		err := TooManyObjects(OpAllocate, 4096)
		if err.Kind != KindTooManyObjects {
			t.Errorf("Kind = %v, want %v", err.Kind, KindTooManyObjects)
		}
		if !strings.Contains(err.Detail, "4096") {
			t.Errorf("Detail = %v, should contain limit", err.Detail)
		}
	})

	t.Run("FeatureNotPresent", func(t *testing.T) {
		err := FeatureNotPresent(OpCheck, "corruption detection not enabled")
		if err.Kind != KindFeatureNotPresent {
			t.Errorf("Kind = %v, want %v", err.Kind, KindFeatureNotPresent)
		}
	})

	t.Run("Lost", func(t *testing.T) {
		err := Lost(OpMap)
		if !errors.Is(err, ErrAllocationLost) {
			t.Error("should match sentinel")
		}
	})

	t.Run("Leaked", func(t *testing.T) {
		err := Leaked("allocation", "staging-buffer")
		if err.Kind != KindLeaked {
			t.Errorf("Kind = %v, want %v", err.Kind, KindLeaked)
		}
		if !strings.Contains(err.Detail, "staging-buffer") {
			t.Errorf("Detail = %v, should contain name", err.Detail)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		err := Validation("free size mismatch: sum %d, tracked %d", 100, 90)
		if err.Kind != KindValidation {
			t.Errorf("Kind = %v, want %v", err.Kind, KindValidation)
		}
		if !strings.Contains(err.Detail, "100") {
			t.Errorf("Detail = %v, should be formatted", err.Detail)
		}
	})
}
