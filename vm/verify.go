package vm

import (
	"errors"
	"fmt"
)

// VerifyError reports one static problem found by Verify.
type VerifyError struct {
	Addr int
	Msg  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("vm: verify %04d: %s", e.Addr, e.Msg)
}

// Verify walks code linearly and reports problems the machine would fault
// on if the instruction were reached: invalid opcodes, truncated operands,
// branch targets and function addresses that are outside the code or not on
// an instruction boundary, unknown function ids and global indexes outside
// [0, nglobals). Local slots are not checked because the owning function of
// an instruction is only known at run time. All problems are joined into
// the returned error.
func Verify(code []int, nglobals int, table *FuncTable) error {
	var errs []error
	report := func(addr int, format string, args ...any) {
		errs = append(errs, &VerifyError{Addr: addr, Msg: fmt.Sprintf(format, args...)})
	}

	// First pass: instruction boundaries.
	starts := make(map[int]bool)
	for addr := 0; addr < len(code); {
		starts[addr] = true
		op := Opcode(code[addr])
		if !op.Valid() {
			report(addr, "invalid opcode %d", code[addr])
			addr++
			continue
		}
		if addr+op.OperandLen() >= len(code) {
			report(addr, "truncated %s", op)
			break
		}
		addr += op.InstructionLen()
	}
	boundary := func(target int) bool {
		return target == len(code) || starts[target]
	}

	// Second pass: operands.
	for addr := 0; addr < len(code); {
		op := Opcode(code[addr])
		if !op.Valid() {
			addr++
			continue
		}
		if addr+op.OperandLen() >= len(code) {
			break
		}
		operand := 0
		if op.OperandLen() == 1 {
			operand = code[addr+1]
		}
		switch {
		case op.IsJump():
			if !boundary(operand) {
				report(addr, "%s target %d is not an instruction boundary", op, operand)
			}
		case op == OpGLoad || op == OpGStore:
			if operand < 0 || operand >= nglobals {
				report(addr, "%s index %d outside [0,%d)", op, operand, nglobals)
			}
		case op == OpLoad || op == OpStore:
			if operand < 0 {
				report(addr, "%s negative slot %d", op, operand)
			}
		case op == OpCall:
			if table == nil {
				break
			}
			if _, ok := table.Lookup(operand); !ok {
				report(addr, "call to unknown function id %d", operand)
			}
		}
		addr += op.InstructionLen()
	}

	if table != nil {
		for id, m := range table.All() {
			if !boundary(m.Address) {
				report(m.Address, "function %d (%s) address is not an instruction boundary", id, m.Name)
			}
		}
	}

	return errors.Join(errs...)
}
