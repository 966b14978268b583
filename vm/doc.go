// Package vm implements a small stack-based bytecode machine.
//
// This package contains:
//   - The 18-opcode instruction set and its decoder metadata
//   - Function tables with one-pass forward-reference resolution
//   - The fetch/decode/execute loop with a frame arena for calls
//   - Structured faults for decode and bounds violations
//   - Tracing, disassembly, static verification and execution statistics
//
// Programs are flat []int slices addressed by word. Opcodes are followed by
// their inline operands; branch and call operands are absolute addresses or
// function ids respectively. Arithmetic wraps to 32 bits.
package vm
