package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/stackvm/vm"
)

var mnemonics = func() map[string]vm.Opcode {
	m := make(map[string]vm.Opcode, vm.OpcodeCount())
	for _, op := range vm.AllOpcodes() {
		m[op.String()] = op
	}
	return m
}()

// pendingJump is a branch placeholder waiting for its label.
type pendingJump struct {
	at   int
	line int
}

// Assemble translates assembler text into code words in one pass. Each line
// holds an optional "label:" and an optional instruction; ";" and "#" start
// a comment. Branch operands may name a label, defined before or after the
// branch. Call operands may name a function: the id comes from funcs, which
// reserves ids for functions not yet defined so they can be resolved when
// the table is built. Any operand may be an integer literal. It returns the
// code and the address of every label.
func Assemble(src string, funcs *vm.TableBuilder) ([]int, map[string]int, error) {
	p := vm.NewProgram()
	labels := make(map[string]int)
	pending := make(map[string][]pendingJump)

	for i, raw := range strings.Split(src, "\n") {
		lineNo := i + 1
		line := raw
		if idx := strings.IndexAny(line, ";#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)

		if idx := strings.Index(line, ":"); idx >= 0 {
			label := strings.TrimSpace(line[:idx])
			if label == "" || strings.ContainsAny(label, " \t") {
				return nil, nil, fmt.Errorf("asm line %d: bad label %q", lineNo, label)
			}
			if _, dup := labels[label]; dup {
				return nil, nil, fmt.Errorf("asm line %d: label %q defined twice", lineNo, label)
			}
			labels[label] = p.CurrentOffset()
			for _, j := range pending[label] {
				p.PatchJump(j.at)
			}
			delete(pending, label)
			line = strings.TrimSpace(line[idx+1:])
		}
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		op, ok := mnemonics[strings.ToLower(fields[0])]
		if !ok {
			return nil, nil, fmt.Errorf("asm line %d: unknown instruction %q", lineNo, fields[0])
		}
		if len(fields)-1 != op.OperandLen() {
			return nil, nil, fmt.Errorf("asm line %d: %s takes %d operand(s), got %d", lineNo, op, op.OperandLen(), len(fields)-1)
		}
		if op.OperandLen() == 0 {
			p.Emit(op)
			continue
		}

		arg := fields[1]
		if n, err := strconv.Atoi(arg); err == nil {
			p.Emit(op, n)
			continue
		}
		switch {
		case op.IsJump():
			if addr, ok := labels[arg]; ok {
				p.Emit(op, addr)
				break
			}
			at := p.EmitJump(op)
			pending[arg] = append(pending[arg], pendingJump{at: at, line: lineNo})
		case op == vm.OpCall:
			if funcs == nil {
				return nil, nil, fmt.Errorf("asm line %d: call by name %q needs a function table", lineNo, arg)
			}
			p.Emit(op, funcs.ID(arg))
		default:
			return nil, nil, fmt.Errorf("asm line %d: %s needs an integer operand, got %q", lineNo, op, arg)
		}
	}

	if len(pending) > 0 {
		// Report the earliest unresolved branch.
		first := pendingJump{line: -1}
		var name string
		for label, jumps := range pending {
			for _, j := range jumps {
				if first.line < 0 || j.line < first.line {
					first, name = j, label
				}
			}
		}
		return nil, nil, fmt.Errorf("asm line %d: unknown label %q", first.line, name)
	}
	return p.Code(), labels, nil
}
