package errors

import (
	"fmt"
	"strings"
)

// Op indicates which allocator operation the error came from
type Op string

const (
	OpAllocate Op = "allocate" // allocating memory for a resource
	OpFree     Op = "free"     // returning an allocation
	OpMap      Op = "map"      // mapping memory for host access
	OpFlush    Op = "flush"    // flushing or invalidating mapped ranges
	OpPool     Op = "pool"     // custom pool management
	OpDefrag   Op = "defrag"   // defragmentation passes
	OpCheck    Op = "check"    // corruption and consistency checks
	OpStats    Op = "stats"    // statistics collection
	OpClose    Op = "close"    // allocator teardown
	OpDevice   Op = "device"   // device memory calls
	OpVirtual  Op = "virtual"  // virtual block bookkeeping
	OpConfig   Op = "config"   // option and create-info validation
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfDeviceMemory Kind = "out_of_device_memory"
	KindOutOfPoolMemory   Kind = "out_of_pool_memory"
	KindFeatureNotPresent Kind = "feature_not_present"
	KindInvalidArgument   Kind = "invalid_argument"
	KindMemoryMapFailed   Kind = "memory_map_failed"
	KindCorruption        Kind = "corruption_detected"
	KindTooManyObjects    Kind = "too_many_objects"
	KindIncomplete        Kind = "incomplete"
	KindAllocationLost    Kind = "allocation_lost"
	KindValidation        Kind = "validation"
	KindLeaked            Kind = "leaked"
	KindUnavailable       Kind = "unavailable"
)

// Sentinels for errors.Is matching. Each carries a Kind only, so it
// matches errors of that kind from any operation.
var (
	ErrOutOfDeviceMemory  = &Error{Kind: KindOutOfDeviceMemory}
	ErrOutOfPoolMemory    = &Error{Kind: KindOutOfPoolMemory}
	ErrFeatureNotPresent  = &Error{Kind: KindFeatureNotPresent}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrMemoryMapFailed    = &Error{Kind: KindMemoryMapFailed}
	ErrCorruptionDetected = &Error{Kind: KindCorruption}
	ErrTooManyObjects     = &Error{Kind: KindTooManyObjects}
	ErrIncomplete         = &Error{Kind: KindIncomplete}
	ErrAllocationLost     = &Error{Kind: KindAllocationLost}
	ErrUnavailable        = &Error{Kind: KindUnavailable}
)

// Error is the structured error type used throughout the library
type Error struct {
	Value  any
	Cause  error
	Op     Op
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Op))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target with an empty
// Op matches on Kind alone, which is what the package sentinels rely on.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Op != "" && t.Op != e.Op {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(op Op, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Op:   op,
			Kind: kind,
		},
	}
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// OutOfDeviceMemory creates an out-of-device-memory error
func OutOfDeviceMemory(op Op, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindOutOfDeviceMemory,
		Detail: detail,
	}
}

// OutOfPoolMemory creates an out-of-pool-memory error
func OutOfPoolMemory(op Op, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindOutOfPoolMemory,
		Detail: detail,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(op Op, size, align int64) *Error {
	return &Error{
		Op:     op,
		Kind:   KindOutOfDeviceMemory,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// InvalidArgument creates an invalid argument error
func InvalidArgument(op Op, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Op:     op,
		Kind:   KindInvalidArgument,
		Detail: detail,
	}
}

// MapFailed creates a memory mapping error
func MapFailed(op Op, detail string, cause error) *Error {
	return &Error{
		Op:     op,
		Kind:   KindMemoryMapFailed,
		Detail: detail,
		Cause:  cause,
	}
}

// Corruption creates a corruption-detected error for one damaged margin
func Corruption(typeIndex int, block uint64, offset int64) *Error {
	return &Error{
		Op:     OpCheck,
		Kind:   KindCorruption,
		Detail: fmt.Sprintf("memory type %d block %#x: margin damaged near offset %d", typeIndex, block, offset),
		Value:  offset,
	}
}

// FeatureNotPresent creates a feature-not-present error
func FeatureNotPresent(op Op, what string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindFeatureNotPresent,
		Detail: what,
	}
}

// TooManyObjects creates an allocation count limit error
func TooManyObjects(op Op, limit int) *Error {
	return &Error{
		Op:     op,
		Kind:   KindTooManyObjects,
		Detail: fmt.Sprintf("device allocation limit %d reached", limit),
	}
}

// Lost creates an allocation-lost error
func Lost(op Op) *Error {
	return &Error{
		Op:     op,
		Kind:   KindAllocationLost,
		Detail: "allocation was made lost",
	}
}

// Incomplete creates an incomplete-result error
func Incomplete(op Op, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindIncomplete,
		Detail: detail,
	}
}

// Validation creates an internal consistency error
func Validation(detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Op:     OpCheck,
		Kind:   KindValidation,
		Detail: detail,
	}
}

// Leaked creates an error describing an allocation alive at teardown
func Leaked(what, name string) *Error {
	detail := what
	if name != "" {
		detail = fmt.Sprintf("%s %q", what, name)
	}
	return &Error{
		Op:     OpClose,
		Kind:   KindLeaked,
		Detail: detail,
	}
}

// Unavailable creates an error for an external endpoint that cannot be
// reached
func Unavailable(op Op, what string, cause error) *Error {
	return &Error{
		Op:     op,
		Kind:   KindUnavailable,
		Detail: what,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(op Op, kind Kind, cause error, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
