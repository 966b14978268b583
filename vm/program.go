package vm

// Program accumulates code words. It is a convenience for tests and code
// generators; the machine itself only sees the resulting []int.
type Program struct {
	code []int
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{code: make([]int, 0, 64)}
}

// Emit appends an instruction with its operands and returns its address.
func (p *Program) Emit(op Opcode, operands ...int) int {
	addr := len(p.code)
	p.code = append(p.code, int(op))
	p.code = append(p.code, operands...)
	return addr
}

// EmitJump appends a branch with a placeholder target and returns the
// address of the placeholder for PatchJump.
func (p *Program) EmitJump(op Opcode) int {
	p.code = append(p.code, int(op), -1)
	return len(p.code) - 1
}

// PatchJump points the placeholder at the current offset.
func (p *Program) PatchJump(placeholder int) {
	p.code[placeholder] = len(p.code)
}

// CurrentOffset returns the address the next instruction will get.
func (p *Program) CurrentOffset() int {
	return len(p.code)
}

// Code returns a copy of the emitted words.
func (p *Program) Code() []int {
	out := make([]int, len(p.code))
	copy(out, p.code)
	return out
}
