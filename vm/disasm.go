package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of code. The function table
// may be nil; when present it is listed as a header and used to name call
// targets and function entry points.
func Disassemble(code []int, table *FuncTable) string {
	var sb strings.Builder

	entries := map[int][]string{}
	if table != nil {
		sb.WriteString(fmt.Sprintf("; Functions (%d):\n", table.Len()))
		for id, m := range table.All() {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", id, m))
			entries[m.Address] = append(entries[m.Address], m.Name)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("; Code:\n")
	addr := 0
	for addr < len(code) {
		for _, name := range entries[addr] {
			sb.WriteString(fmt.Sprintf("%s:\n", name))
		}
		line, n := DisassembleInstruction(code, addr, table)
		sb.WriteString(line)
		sb.WriteString("\n")
		addr += n
	}
	return sb.String()
}

// DisassembleInstruction formats the instruction at addr and returns it with
// the instruction length in words. Invalid opcodes occupy one word; missing
// operands are shown as "?".
func DisassembleInstruction(code []int, addr int, table *FuncTable) (string, int) {
	if addr < 0 || addr >= len(code) {
		return fmt.Sprintf("%04d:\t<end of code>", addr), 0
	}

	op := Opcode(code[addr])
	if !op.Valid() {
		return fmt.Sprintf("%04d:\t<invalid %d>", addr, code[addr]), 1
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%04d:\t%-11s", addr, op.String()))
	n := op.OperandLen()
	if n == 0 {
		return strings.TrimRight(sb.String(), " "), 1
	}

	operands := make([]string, 0, n)
	for i := addr + 1; i <= addr+n; i++ {
		if i >= len(code) {
			operands = append(operands, "?")
			continue
		}
		if op == OpCall && table != nil {
			if m, ok := table.Lookup(code[i]); ok {
				operands = append(operands, m.Name)
				continue
			}
		}
		operands = append(operands, fmt.Sprint(code[i]))
	}
	sb.WriteString(strings.Join(operands, ", "))
	return sb.String(), 1 + n
}
