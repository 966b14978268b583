package vm

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// tracer writes one line per cycle: the disassembled instruction, the whole
// operand stack and the call stack.
type tracer struct {
	w io.Writer
}

func (t *tracer) cycle(vm *VM, instr string) {
	fmt.Fprintf(t.w, "%-35s%-22s %s\n", instr, vm.stackString(), vm.callStackString())
}

// halt writes the final instruction and stack followed by global memory.
func (t *tracer) halt(vm *VM, addr int) {
	instr, _ := DisassembleInstruction(vm.code, addr, vm.table)
	fmt.Fprintf(t.w, "%-35s%s\n", instr, vm.stackString())
	vm.DumpGlobals(t.w)
}

func (vm *VM) stackString() string {
	var sb strings.Builder
	sb.WriteString("stack=[")
	for i := 0; i <= vm.sp; i++ {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(vm.stack[i]))
	}
	sb.WriteString(" ]")
	return sb.String()
}

func (vm *VM) callStackString() string {
	return "calls=[" + strings.Join(vm.calls.names(), ", ") + "]"
}
