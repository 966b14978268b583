package vm

// Stats counts what one run executed. Halt is not counted as a cycle.
type Stats struct {
	Cycles   uint64 // instructions applied
	Calls    uint64
	Returns  uint64
	MaxDepth int // deepest call stack seen, counting the outermost frame

	ops [opcodeLimit]uint64
}

// OpcodeTally pairs an opcode with how often it executed.
type OpcodeTally struct {
	Op    Opcode
	Count uint64
}

func (s *Stats) record(op Opcode, depth int) {
	s.Cycles++
	s.ops[op]++
	if depth > s.MaxDepth {
		s.MaxDepth = depth
	}
}

// Count returns how many times op executed.
func (s Stats) Count(op Opcode) uint64 {
	if !op.Valid() {
		return 0
	}
	return s.ops[op]
}

// TopOpcodes returns the n most frequently executed opcodes, most frequent
// first. Opcodes that never ran are omitted; n <= 0 yields nil.
func (s Stats) TopOpcodes(n int) []OpcodeTally {
	if n <= 0 {
		return nil
	}
	var all []OpcodeTally
	for _, op := range AllOpcodes() {
		if c := s.ops[op]; c > 0 {
			all = append(all, OpcodeTally{op, c})
		}
	}

	// Simple selection sort for top N (fine for small N)
	for i := 0; i < n && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].Count > all[maxIdx].Count {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	if n < len(all) {
		all = all[:n]
	}
	return all
}
