package vm

// ---------------------------------------------------------------------------
// Frame: one activation context
// ---------------------------------------------------------------------------

// Frame is the activation context of one call. Arguments occupy the low
// local slots, followed by the function's locals.
type Frame struct {
	Meta          FuncMeta // descriptor of the function being executed
	ReturnAddress int      // code index to resume the invoker at
	Invoker       int      // arena index of the invoking frame, -1 for the outermost frame

	locals []int
}

// NumLocals returns the number of local slots (args + locals).
func (f *Frame) NumLocals() int {
	return len(f.locals)
}

// Local reads slot i. ok is false when i is out of range.
func (f *Frame) Local(i int) (v int, ok bool) {
	if i < 0 || i >= len(f.locals) {
		return 0, false
	}
	return f.locals[i], true
}

// SetLocal writes slot i. It reports false, and writes nothing, when i is
// out of range.
func (f *Frame) SetLocal(i, v int) bool {
	if i < 0 || i >= len(f.locals) {
		return false
	}
	f.locals[i] = v
	return true
}

// ---------------------------------------------------------------------------
// callStack: LIFO frame arena
// ---------------------------------------------------------------------------

// callStack stores frames in a slice indexed by depth. Calls and returns are
// strictly nested, so a popped slot is simply reused (and its local storage
// recycled) by the next call at the same depth.
type callStack struct {
	frames []Frame
	depth  int
	limit  int
}

func newCallStack(limit int) callStack {
	initial := 64
	if limit < initial {
		initial = limit
	}
	return callStack{frames: make([]Frame, 0, initial), limit: limit}
}

func (c *callStack) reset() {
	c.depth = 0
}

// full reports whether another frame would exceed the depth limit.
func (c *callStack) full() bool {
	return c.depth >= c.limit
}

// push activates a new frame with size zeroed slots and returns it.
func (c *callStack) push(meta FuncMeta, returnAddress, size int) *Frame {
	if c.depth == len(c.frames) {
		c.frames = append(c.frames, Frame{})
	}
	f := &c.frames[c.depth]
	if cap(f.locals) >= size {
		f.locals = f.locals[:size]
		clear(f.locals)
	} else {
		f.locals = make([]int, size)
	}
	f.Meta = meta
	f.ReturnAddress = returnAddress
	f.Invoker = c.depth - 1
	c.depth++
	return f
}

// pop discards the active frame and returns it. The returned frame is only
// valid until the next push.
func (c *callStack) pop() *Frame {
	c.depth--
	return &c.frames[c.depth]
}

// active returns the innermost frame, or nil if no frame is active.
func (c *callStack) active() *Frame {
	if c.depth == 0 {
		return nil
	}
	return &c.frames[c.depth-1]
}

// names returns function names from the outermost to the innermost frame.
func (c *callStack) names() []string {
	out := make([]string, c.depth)
	for i := 0; i < c.depth; i++ {
		out[i] = c.frames[i].Meta.Name
	}
	return out
}
