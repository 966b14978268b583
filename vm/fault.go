package vm

import (
	"errors"
	"fmt"
	"strings"
)

// FaultKind classifies a fatal execution fault.
type FaultKind int

const (
	// FaultDecode means the fetched word is not a recognized opcode.
	FaultDecode FaultKind = iota + 1

	// FaultBounds means the instruction pointer, stack pointer, a local slot,
	// a global index or a function id fell outside its valid range.
	FaultBounds

	// FaultCancelled means the execution context was cancelled or its
	// deadline passed between two cycles.
	FaultCancelled
)

func (k FaultKind) String() string {
	switch k {
	case FaultDecode:
		return "decode fault"
	case FaultBounds:
		return "bounds fault"
	case FaultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

var (
	// ErrDecode matches every decode fault with errors.Is.
	ErrDecode = errors.New("decode fault")

	// ErrBounds matches every bounds fault with errors.Is.
	ErrBounds = errors.New("bounds fault")

	// ErrNotRunning is returned by Step when the machine is not running.
	ErrNotRunning = errors.New("vm: machine is not running")
)

// Fault is the diagnostic for a fatal execution fault. No state was mutated
// by the faulting instruction.
type Fault struct {
	Kind   FaultKind
	IP     int    // address of the faulting instruction
	Opcode Opcode // word fetched at IP (may be invalid)
	Func   string // name of the active function
	Depth  int    // call stack depth at the fault
	Detail string

	cause error
}

func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(f.Kind.String())
	fmt.Fprintf(&sb, " at ip=%d", f.IP)
	if f.Kind != FaultCancelled {
		fmt.Fprintf(&sb, " (opcode %s)", f.Opcode)
	}
	if f.Func != "" {
		fmt.Fprintf(&sb, " in %s", f.Func)
	}
	fmt.Fprintf(&sb, " depth=%d", f.Depth)
	if f.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Detail)
	}
	return sb.String()
}

// Unwrap returns ErrDecode or ErrBounds, or the context error for a
// cancellation fault.
func (f *Fault) Unwrap() error {
	switch f.Kind {
	case FaultDecode:
		return ErrDecode
	case FaultBounds:
		return ErrBounds
	default:
		return f.cause
	}
}

// IsFault reports whether err carries a *Fault and returns it.
func IsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
