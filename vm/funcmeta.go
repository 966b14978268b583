package vm

import (
	"fmt"
	"sort"
	"strings"
)

// FuncMeta describes one callable function. Call sites refer to functions
// by their index in a FuncTable, so code can be emitted before Address is
// known.
type FuncMeta struct {
	Name    string // diagnostic only
	Args    int
	Locals  int
	Address int
}

// FrameSize is the number of local slots a call to this function allocates.
func (m FuncMeta) FrameSize() int {
	return m.Args + m.Locals
}

func (m FuncMeta) String() string {
	return fmt.Sprintf("%s(args=%d, locals=%d) @%04d", m.Name, m.Args, m.Locals, m.Address)
}

// FuncTable is the immutable, id-indexed directory of functions. Entry 0 is
// the designated entry descriptor used for the outermost frame.
type FuncTable struct {
	funcs  []FuncMeta
	byName map[string]int
}

// NewFuncTable builds a table from the given entries. The slice is copied.
func NewFuncTable(funcs ...FuncMeta) (*FuncTable, error) {
	if len(funcs) == 0 {
		return nil, fmt.Errorf("vm: function table needs at least an entry descriptor")
	}
	t := &FuncTable{
		funcs:  make([]FuncMeta, len(funcs)),
		byName: make(map[string]int, len(funcs)),
	}
	copy(t.funcs, funcs)
	for id, m := range t.funcs {
		if m.Args < 0 || m.Locals < 0 {
			return nil, fmt.Errorf("vm: function %d (%s): negative arg or local count", id, m.Name)
		}
		if m.Address < 0 {
			return nil, fmt.Errorf("vm: function %d (%s): negative address %d", id, m.Name, m.Address)
		}
		// First declaration wins for name lookup.
		if _, dup := t.byName[m.Name]; !dup {
			t.byName[m.Name] = id
		}
	}
	return t, nil
}

// MustFuncTable is like NewFuncTable but panics on error.
func MustFuncTable(funcs ...FuncMeta) *FuncTable {
	t, err := NewFuncTable(funcs...)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of functions in the table.
func (t *FuncTable) Len() int {
	return len(t.funcs)
}

// Lookup returns the descriptor for a function id.
func (t *FuncTable) Lookup(id int) (FuncMeta, bool) {
	if id < 0 || id >= len(t.funcs) {
		return FuncMeta{}, false
	}
	return t.funcs[id], true
}

// ByName returns the id of the first function with the given name.
func (t *FuncTable) ByName(name string) (int, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Entry returns the designated entry descriptor.
func (t *FuncTable) Entry() FuncMeta {
	return t.funcs[0]
}

// All returns a copy of every descriptor in id order.
func (t *FuncTable) All() []FuncMeta {
	out := make([]FuncMeta, len(t.funcs))
	copy(out, t.funcs)
	return out
}

// ---------------------------------------------------------------------------
// TableBuilder: one-pass address resolution for code generators
// ---------------------------------------------------------------------------

// TableBuilder hands out function ids before the functions' addresses are
// known. A code generator asks for an id with ID (a forward reference) when
// it emits a call, and calls Define once the function's code is placed.
// Build fails if any referenced function was never defined.
type TableBuilder struct {
	funcs   []FuncMeta
	defined []bool
	byName  map[string]int
}

// NewTableBuilder creates a builder whose first defined or referenced name
// becomes the entry descriptor (id 0).
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{byName: make(map[string]int)}
}

// ID returns the id for name, reserving one if the name is new.
func (b *TableBuilder) ID(name string) int {
	if id, ok := b.byName[name]; ok {
		return id
	}
	id := len(b.funcs)
	b.funcs = append(b.funcs, FuncMeta{Name: name})
	b.defined = append(b.defined, false)
	b.byName[name] = id
	return id
}

// Define records the signature and entry address of name and returns its id.
func (b *TableBuilder) Define(name string, args, locals, address int) (int, error) {
	id := b.ID(name)
	if b.defined[id] {
		return id, fmt.Errorf("vm: function %q defined twice", name)
	}
	b.funcs[id] = FuncMeta{Name: name, Args: args, Locals: locals, Address: address}
	b.defined[id] = true
	return id, nil
}

// Build resolves the table. Every referenced function must have been defined.
func (b *TableBuilder) Build() (*FuncTable, error) {
	var missing []string
	for id, ok := range b.defined {
		if !ok {
			missing = append(missing, b.funcs[id].Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("vm: unresolved functions: %s", strings.Join(missing, ", "))
	}
	return NewFuncTable(b.funcs...)
}
