package vm

import "testing"

func TestStatsCountsOpcodes(t *testing.T) {
	v, _ := newTestVM(t, loopCode, 2, nil)
	if err := v.Execute(t.Context(), 0); err != nil {
		t.Fatal(err)
	}
	stats := v.Stats()

	// 4 setup instructions, 11 condition checks of 4 and 10 bodies of 5.
	const want = 4 + 11*4 + 10*5
	if stats.Cycles != want {
		t.Errorf("Cycles = %d, want %d", stats.Cycles, want)
	}
	if got := stats.Count(OpILt); got != 11 {
		t.Errorf("Count(ilt) = %d, want 11", got)
	}
	if got := stats.Count(OpHalt); got != 0 {
		t.Errorf("halt should not be counted, got %d", got)
	}
	if got := stats.Count(Opcode(0)); got != 0 {
		t.Errorf("Count(invalid) = %d", got)
	}
}

func TestTopOpcodes(t *testing.T) {
	v, _ := newTestVM(t, loopCode, 2, nil)
	if err := v.Execute(t.Context(), 0); err != nil {
		t.Fatal(err)
	}

	top := v.Stats().TopOpcodes(2)
	if len(top) != 2 {
		t.Fatalf("len(TopOpcodes(2)) = %d", len(top))
	}
	// gload runs twice per condition and once per body.
	if top[0].Op != OpGLoad || top[0].Count != 32 {
		t.Errorf("top[0] = %v %d, want gload 32", top[0].Op, top[0].Count)
	}
	if top[0].Count < top[1].Count {
		t.Error("TopOpcodes not sorted")
	}

	all := v.Stats().TopOpcodes(100)
	for _, oc := range all {
		if oc.Count == 0 {
			t.Errorf("%s listed with zero count", oc.Op)
		}
	}
}

func TestTopOpcodesNonPositive(t *testing.T) {
	v, _ := newTestVM(t, loopCode, 2, nil)
	if err := v.Execute(t.Context(), 0); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, -1} {
		if top := v.Stats().TopOpcodes(n); top != nil {
			t.Errorf("TopOpcodes(%d) = %v, want nil", n, top)
		}
	}
}
