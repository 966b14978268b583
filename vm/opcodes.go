package vm

import "fmt"

// Opcode represents a single instruction kind. Opcodes occupy one word of
// the program and are followed by OperandLen inline operand words.
type Opcode int

const (
	// ========================================================================
	// Arithmetic and comparison (no operands)
	// ========================================================================

	OpIAdd Opcode = 1 // Pop b, pop a, push a + b
	OpISub Opcode = 2 // Pop b, pop a, push a - b
	OpIMul Opcode = 3 // Pop b, pop a, push a * b
	OpILt  Opcode = 4 // Pop b, pop a, push 1 if a < b else 0
	OpIEq  Opcode = 5 // Pop b, pop a, push 1 if a == b else 0

	// ========================================================================
	// Control flow (absolute word address operand)
	// ========================================================================

	OpBr  Opcode = 6 // Unconditional branch: br <addr>
	OpBrt Opcode = 7 // Pop v, branch if v == 1 exactly: brt <addr>
	OpBrf Opcode = 8 // Pop v, branch if v == 0 exactly: brf <addr>

	// ========================================================================
	// Constants and memory
	// ========================================================================

	OpIConst Opcode = 9  // Push literal: iconst <value>
	OpLoad   Opcode = 10 // Push local slot of the active frame: load <slot>
	OpGLoad  Opcode = 11 // Push global: gload <index>
	OpStore  Opcode = 12 // Pop into local slot of the active frame: store <slot>
	OpGStore Opcode = 13 // Pop into global: gstore <index>

	// ========================================================================
	// Output and stack
	// ========================================================================

	OpPrint Opcode = 14 // Pop and print as a decimal line
	OpPop   Opcode = 15 // Discard top of stack

	// ========================================================================
	// Calls
	// ========================================================================

	OpCall Opcode = 16 // Call function by table id: call <id>
	OpRet  Opcode = 17 // Return to the invoking frame

	OpHalt Opcode = 18 // Stop the machine
)

// opcodeLimit is one past the highest defined opcode.
const opcodeLimit = OpHalt + 1

// OpcodeInfo provides metadata about each opcode for decoding and diagnostics.
type OpcodeInfo struct {
	Name       string // Mnemonic used in traces and listings
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of operand words following the opcode
}

// opcodeInfoTable is indexed by opcode. Slot 0 is the invalid opcode.
var opcodeInfoTable = [opcodeLimit]OpcodeInfo{
	OpIAdd: {"iadd", 2, 1, 0},
	OpISub: {"isub", 2, 1, 0},
	OpIMul: {"imul", 2, 1, 0},
	OpILt:  {"ilt", 2, 1, 0},
	OpIEq:  {"ieq", 2, 1, 0},

	OpBr:  {"br", 0, 0, 1},
	OpBrt: {"brt", 1, 0, 1},
	OpBrf: {"brf", 1, 0, 1},

	OpIConst: {"iconst", 0, 1, 1},
	OpLoad:   {"load", 0, 1, 1},
	OpGLoad:  {"gload", 0, 1, 1},
	OpStore:  {"store", 1, 0, 1},
	OpGStore: {"gstore", 1, 0, 1},

	OpPrint: {"print", 1, 0, 0},
	OpPop:   {"pop", 1, 0, 0},

	OpCall: {"call", -1, 0, 1}, // Pops the callee's argument count
	OpRet:  {"ret", 0, 0, 0},

	OpHalt: {"halt", 0, 0, 0},
}

// Valid reports whether op is a member of the instruction set.
func (op Opcode) Valid() bool {
	return op >= OpIAdd && op < opcodeLimit
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN(n)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if op.Valid() {
		return opcodeInfoTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", int(op))}
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand words for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction in words.
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode is a branch instruction.
func (op Opcode) IsJump() bool {
	return op >= OpBr && op <= OpBrf
}

// AllOpcodes returns every defined opcode in ascending order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, OpcodeCount())
	for op := OpIAdd; op < opcodeLimit; op++ {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return int(opcodeLimit - OpIAdd)
}
