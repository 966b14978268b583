package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tliron/commonlog"
)

const (
	// DefaultStackSize is the operand stack capacity in words.
	DefaultStackSize = 1000

	// DefaultCallStackSize is the maximum call depth, counting the outermost frame.
	DefaultCallStackSize = 1000

	// DefaultCheckInterval is how many cycles run between context checks.
	DefaultCheckInterval = 1024
)

// Comparison results. There is no boolean type; conditional branches match
// these two values exactly.
const (
	falseWord = 0
	trueWord  = 1
)

// State is the run state of a VM.
type State int

const (
	StateReady   State = iota // constructed, not started
	StateRunning              // executing cycles
	StateHalted               // stopped by halt or by running off the end of code
	StateFaulted              // stopped by a fault; see Err
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// VM is a stack-based bytecode machine. A VM owns all of its state; separate
// VMs may run concurrently, but a single VM must not be shared between
// goroutines while executing.
type VM struct {
	// Registers
	ip int // instruction pointer
	sp int // stack pointer, -1 when the stack is empty

	// Memory
	code    []int // word-addressed program, never written
	globals []int
	stack   []int // operand stack shared by all frames, grows upwards
	calls   callStack

	// table lets call sites name functions by id; see FuncTable.
	table *FuncTable

	state State
	err   error

	out           io.Writer
	trace         *tracer
	log           commonlog.Logger
	stackSize     int
	maxDepth      int
	checkInterval int
	stats         Stats
}

// Option configures a VM.
type Option func(*VM)

// WithOutput sets the writer that receives print output. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithTrace enables per-cycle tracing to w.
func WithTrace(w io.Writer) Option {
	return func(vm *VM) {
		if w != nil {
			vm.trace = &tracer{w: w}
		}
	}
}

// WithStackSize sets the operand stack capacity.
func WithStackSize(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.stackSize = n
		}
	}
}

// WithMaxDepth sets the maximum call depth, counting the outermost frame.
func WithMaxDepth(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxDepth = n
		}
	}
}

// WithLogger sets the logger used for fault and completion messages.
func WithLogger(l commonlog.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// WithCheckInterval sets how many cycles run between context checks.
func WithCheckInterval(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.checkInterval = n
		}
	}
}

// New creates a VM for code with nglobals zeroed global words. The code
// slice is copied.
func New(code []int, nglobals int, table *FuncTable, opts ...Option) (*VM, error) {
	if table == nil {
		return nil, fmt.Errorf("vm: nil function table")
	}
	if nglobals < 0 {
		return nil, fmt.Errorf("vm: negative global count %d", nglobals)
	}

	vm := &VM{
		sp:            -1,
		table:         table,
		out:           os.Stdout,
		stackSize:     DefaultStackSize,
		maxDepth:      DefaultCallStackSize,
		checkInterval: DefaultCheckInterval,
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.log == nil {
		vm.log = commonlog.GetLogger("stackvm.vm")
	}

	vm.code = make([]int, len(code))
	copy(vm.code, code)
	vm.globals = make([]int, nglobals)
	vm.stack = make([]int, vm.stackSize)
	vm.calls = newCallStack(vm.maxDepth)
	return vm, nil
}

// Start prepares the machine to run from start: it resets the operand
// stack, the call stack and the statistics, and activates a synthetic
// outermost frame with no slots, no invoker and the table's entry
// descriptor. Global memory is kept.
func (vm *VM) Start(start int) {
	vm.sp = -1
	vm.calls.reset()
	vm.calls.push(vm.table.Entry(), -1, 0)
	vm.ip = start
	vm.stats = Stats{MaxDepth: 1}
	vm.err = nil
	vm.state = StateRunning
}

// Execute runs from start until halt, the end of code, a fault or
// cancellation of ctx. It returns nil on a normal halt and a *Fault (or an
// output error) otherwise.
func (vm *VM) Execute(ctx context.Context, start int) error {
	vm.Start(start)
	interval := uint64(vm.checkInterval)
	for vm.state == StateRunning {
		if vm.stats.Cycles%interval == 0 {
			if err := ctx.Err(); err != nil {
				vm.fail(&Fault{
					Kind:   FaultCancelled,
					IP:     vm.ip,
					Func:   vm.activeName(),
					Depth:  vm.calls.depth,
					Detail: err.Error(),
					cause:  err,
				})
				break
			}
		}
		vm.cycle()
	}
	return vm.err
}

// ExecuteEntry runs from the entry descriptor's address.
func (vm *VM) ExecuteEntry(ctx context.Context) error {
	return vm.Execute(ctx, vm.table.Entry().Address)
}

// ExecuteFunc runs from the address of the named function.
func (vm *VM) ExecuteFunc(ctx context.Context, name string) error {
	id, ok := vm.table.ByName(name)
	if !ok {
		return fmt.Errorf("vm: no function named %q", name)
	}
	meta, _ := vm.table.Lookup(id)
	return vm.Execute(ctx, meta.Address)
}

// Step executes a single cycle of a started machine.
func (vm *VM) Step() error {
	if vm.state != StateRunning {
		return ErrNotRunning
	}
	vm.cycle()
	if vm.state == StateFaulted {
		return vm.err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fetch-decode-execute
// ---------------------------------------------------------------------------

// cycle fetches, decodes and applies one instruction. A faulting
// instruction leaves every register and memory cell unchanged.
func (vm *VM) cycle() {
	addr := vm.ip
	if addr == len(vm.code) {
		if vm.trace != nil {
			vm.trace.halt(vm, addr)
		}
		vm.halt()
		return
	}
	if addr < 0 || addr > len(vm.code) {
		vm.fail(vm.boundsf(addr, 0, "instruction pointer %d outside code [0,%d)", addr, len(vm.code)))
		return
	}

	op := Opcode(vm.code[addr])
	if !op.Valid() {
		vm.fail(vm.fault(FaultDecode, addr, op, fmt.Sprintf("invalid opcode %d", int(op))))
		return
	}
	if op == OpHalt {
		if vm.trace != nil {
			vm.trace.halt(vm, addr)
		}
		vm.halt()
		return
	}

	// Decode inline operands; their count is fixed per opcode.
	n := op.OperandLen()
	if addr+n >= len(vm.code) {
		vm.fail(vm.boundsf(addr, op, "truncated instruction: %s needs %d operand word(s)", op, n))
		return
	}
	operand := 0
	if n == 1 {
		operand = vm.code[addr+1]
	}
	next := addr + 1 + n

	var instr string
	if vm.trace != nil {
		instr, _ = DisassembleInstruction(vm.code, addr, vm.table)
	}

	ip, err := vm.exec(op, operand, addr, next)
	if err != nil {
		vm.fail(err)
		return
	}
	vm.ip = ip
	vm.stats.record(op, vm.calls.depth)

	if vm.trace != nil {
		vm.trace.cycle(vm, instr)
	}
}

// exec applies op and returns the next instruction pointer. It validates
// every index before mutating anything.
func (vm *VM) exec(op Opcode, operand, addr, next int) (int, error) {
	switch op {
	// ============ Arithmetic ============
	case OpIAdd:
		if !vm.has(2) {
			return 0, vm.underflow(addr, op, 2)
		}
		b := vm.pop() // 2nd operand at top of stack
		a := vm.pop() // 1st operand one below
		vm.push(wrap(a + b))

	case OpISub:
		if !vm.has(2) {
			return 0, vm.underflow(addr, op, 2)
		}
		b := vm.pop()
		a := vm.pop()
		vm.push(wrap(a - b))

	case OpIMul:
		if !vm.has(2) {
			return 0, vm.underflow(addr, op, 2)
		}
		b := vm.pop()
		a := vm.pop()
		vm.push(wrap(a * b))

	// ============ Comparison ============
	case OpILt:
		if !vm.has(2) {
			return 0, vm.underflow(addr, op, 2)
		}
		b := vm.pop()
		a := vm.pop()
		vm.pushBool(a < b)

	case OpIEq:
		if !vm.has(2) {
			return 0, vm.underflow(addr, op, 2)
		}
		b := vm.pop()
		a := vm.pop()
		vm.pushBool(a == b)

	// ============ Control Flow ============
	case OpBr:
		if !vm.validTarget(operand) {
			return 0, vm.boundsf(addr, op, "branch target %d outside code", operand)
		}
		return operand, nil

	case OpBrt:
		// Only exactly 1 branches; any other value falls through.
		if !vm.has(1) {
			return 0, vm.underflow(addr, op, 1)
		}
		if vm.top() == trueWord {
			if !vm.validTarget(operand) {
				return 0, vm.boundsf(addr, op, "branch target %d outside code", operand)
			}
			vm.pop()
			return operand, nil
		}
		vm.pop()

	case OpBrf:
		// Only exactly 0 branches; any other value falls through.
		if !vm.has(1) {
			return 0, vm.underflow(addr, op, 1)
		}
		if vm.top() == falseWord {
			if !vm.validTarget(operand) {
				return 0, vm.boundsf(addr, op, "branch target %d outside code", operand)
			}
			vm.pop()
			return operand, nil
		}
		vm.pop()

	// ============ Constants and Memory ============
	case OpIConst:
		if !vm.room() {
			return 0, vm.overflow(addr, op)
		}
		vm.push(wrap(operand))

	case OpLoad:
		v, ok := vm.calls.active().Local(operand)
		if !ok {
			return 0, vm.badLocal(addr, op, operand)
		}
		if !vm.room() {
			return 0, vm.overflow(addr, op)
		}
		vm.push(v)

	case OpGLoad:
		if operand < 0 || operand >= len(vm.globals) {
			return 0, vm.badGlobal(addr, op, operand)
		}
		if !vm.room() {
			return 0, vm.overflow(addr, op)
		}
		vm.push(vm.globals[operand])

	case OpStore:
		frame := vm.calls.active()
		if operand < 0 || operand >= frame.NumLocals() {
			return 0, vm.badLocal(addr, op, operand)
		}
		if !vm.has(1) {
			return 0, vm.underflow(addr, op, 1)
		}
		frame.SetLocal(operand, vm.pop())

	case OpGStore:
		if operand < 0 || operand >= len(vm.globals) {
			return 0, vm.badGlobal(addr, op, operand)
		}
		if !vm.has(1) {
			return 0, vm.underflow(addr, op, 1)
		}
		vm.globals[operand] = vm.pop()

	// ============ Output and Stack ============
	case OpPrint:
		if !vm.has(1) {
			return 0, vm.underflow(addr, op, 1)
		}
		line := strconv.AppendInt(make([]byte, 0, 12), int64(vm.top()), 10)
		line = append(line, '\n')
		if _, err := vm.out.Write(line); err != nil {
			return 0, fmt.Errorf("vm: print at ip=%d: %w", addr, err)
		}
		vm.pop()

	case OpPop:
		if !vm.has(1) {
			return 0, vm.underflow(addr, op, 1)
		}
		vm.pop()

	// ============ Calls ============
	case OpCall:
		meta, ok := vm.table.Lookup(operand)
		if !ok {
			return 0, vm.boundsf(addr, op, "function id %d outside table [0,%d)", operand, vm.table.Len())
		}
		if !vm.has(meta.Args) {
			return 0, vm.boundsf(addr, op, "call %s needs %d argument(s), stack holds %d", meta.Name, meta.Args, vm.sp+1)
		}
		if vm.calls.full() {
			return 0, vm.boundsf(addr, op, "call stack overflow calling %s (max depth %d)", meta.Name, vm.maxDepth)
		}
		if !vm.validTarget(meta.Address) {
			return 0, vm.boundsf(addr, op, "function %s address %d outside code", meta.Name, meta.Address)
		}
		frame := vm.calls.push(meta, next, meta.FrameSize())
		// Arguments keep their push order: the deepest one lands in slot 0.
		first := vm.sp - meta.Args + 1
		copy(frame.locals, vm.stack[first:vm.sp+1])
		vm.sp -= meta.Args
		vm.stats.Calls++
		return meta.Address, nil

	case OpRet:
		if vm.calls.depth <= 1 {
			return 0, vm.boundsf(addr, op, "return from outermost frame")
		}
		frame := vm.calls.pop()
		vm.stats.Returns++
		return frame.ReturnAddress, nil

	default:
		// OpHalt is handled by cycle; anything else failed decoding.
		return 0, vm.fault(FaultDecode, addr, op, fmt.Sprintf("unhandled opcode %d", int(op)))
	}
	return next, nil
}

// wrap truncates a literal or arithmetic result to 32-bit two's complement.
func wrap(x int) int {
	return int(int32(x))
}

// ---------------------------------------------------------------------------
// Stack helpers
// ---------------------------------------------------------------------------

// has reports whether at least n values are on the stack.
func (vm *VM) has(n int) bool {
	return vm.sp+1 >= n
}

// room reports whether one more value fits on the stack.
func (vm *VM) room() bool {
	return vm.sp+1 < len(vm.stack)
}

func (vm *VM) push(v int) {
	vm.sp++
	vm.stack[vm.sp] = v
}

func (vm *VM) pop() int {
	v := vm.stack[vm.sp]
	vm.sp--
	return v
}

func (vm *VM) top() int {
	return vm.stack[vm.sp]
}

func (vm *VM) pushBool(b bool) {
	if b {
		vm.push(trueWord)
	} else {
		vm.push(falseWord)
	}
}

// validTarget reports whether addr may be jumped to. The end of code is a
// valid target: execution halts there.
func (vm *VM) validTarget(addr int) bool {
	return addr >= 0 && addr <= len(vm.code)
}

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

func (vm *VM) activeName() string {
	if f := vm.calls.active(); f != nil {
		return f.Meta.Name
	}
	return ""
}

func (vm *VM) fault(kind FaultKind, addr int, op Opcode, detail string) *Fault {
	return &Fault{
		Kind:   kind,
		IP:     addr,
		Opcode: op,
		Func:   vm.activeName(),
		Depth:  vm.calls.depth,
		Detail: detail,
	}
}

func (vm *VM) boundsf(addr int, op Opcode, format string, args ...any) *Fault {
	return vm.fault(FaultBounds, addr, op, fmt.Sprintf(format, args...))
}

func (vm *VM) underflow(addr int, op Opcode, need int) *Fault {
	return vm.boundsf(addr, op, "stack underflow: need %d value(s), have %d", need, vm.sp+1)
}

func (vm *VM) overflow(addr int, op Opcode) *Fault {
	return vm.boundsf(addr, op, "stack overflow (capacity %d)", len(vm.stack))
}

func (vm *VM) badLocal(addr int, op Opcode, slot int) *Fault {
	return vm.boundsf(addr, op, "local slot %d outside [0,%d)", slot, vm.calls.active().NumLocals())
}

func (vm *VM) badGlobal(addr int, op Opcode, index int) *Fault {
	return vm.boundsf(addr, op, "global index %d outside [0,%d)", index, len(vm.globals))
}

func (vm *VM) fail(err error) {
	vm.state = StateFaulted
	vm.err = err
	vm.log.Errorf("%s", err)
}

func (vm *VM) halt() {
	vm.state = StateHalted
	vm.log.Debugf("halted at ip=%d after %d cycles", vm.ip, vm.stats.Cycles)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// State returns the run state.
func (vm *VM) State() State {
	return vm.state
}

// Err returns the error that faulted the machine, or nil.
func (vm *VM) Err() error {
	return vm.err
}

// IP returns the instruction pointer.
func (vm *VM) IP() int {
	return vm.ip
}

// Table returns the function table.
func (vm *VM) Table() *FuncTable {
	return vm.table
}

// Stack returns a copy of the operand stack, bottom to top.
func (vm *VM) Stack() []int {
	out := make([]int, vm.sp+1)
	copy(out, vm.stack[:vm.sp+1])
	return out
}

// Globals returns a copy of global memory.
func (vm *VM) Globals() []int {
	out := make([]int, len(vm.globals))
	copy(out, vm.globals)
	return out
}

// Global reads one global word.
func (vm *VM) Global(i int) (int, bool) {
	if i < 0 || i >= len(vm.globals) {
		return 0, false
	}
	return vm.globals[i], true
}

// Depth returns the number of active frames, including the outermost one.
func (vm *VM) Depth() int {
	return vm.calls.depth
}

// CallStack returns active function names from outermost to innermost.
func (vm *VM) CallStack() []string {
	return vm.calls.names()
}

// Frame returns the active frame, or nil before Start.
func (vm *VM) Frame() *Frame {
	return vm.calls.active()
}

// Stats returns a copy of the counters of the current or last run.
func (vm *VM) Stats() Stats {
	return vm.stats
}

// DumpGlobals writes global memory, one "index: value" line per word.
func (vm *VM) DumpGlobals(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "Data memory:"); err != nil {
		return err
	}
	for addr, v := range vm.globals {
		if _, err := fmt.Fprintf(w, "%04d: %d\n", addr, v); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
