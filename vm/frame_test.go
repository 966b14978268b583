package vm

import "testing"

func TestCallStackReusesFrames(t *testing.T) {
	cs := newCallStack(4)
	main := FuncMeta{Name: "main"}
	f := FuncMeta{Name: "f", Args: 1, Locals: 2}

	cs.push(main, -1, 0)
	fr := cs.push(f, 7, f.FrameSize())
	if fr.Invoker != 0 || fr.ReturnAddress != 7 || fr.NumLocals() != 3 {
		t.Fatalf("frame = %+v", fr)
	}
	fr.SetLocal(2, 42)
	cs.pop()

	fr = cs.push(f, 9, f.FrameSize())
	if v, _ := fr.Local(2); v != 0 {
		t.Errorf("reused frame slot = %d, want 0", v)
	}
	if got := cs.names(); len(got) != 2 || got[0] != "main" || got[1] != "f" {
		t.Errorf("names() = %v", got)
	}
}

func TestCallStackLimit(t *testing.T) {
	cs := newCallStack(2)
	cs.push(FuncMeta{Name: "main"}, -1, 0)
	if cs.full() {
		t.Fatal("full after one frame")
	}
	cs.push(FuncMeta{Name: "f"}, 0, 0)
	if !cs.full() {
		t.Error("expected full at limit")
	}
	cs.reset()
	if cs.active() != nil {
		t.Error("active frame after reset")
	}
}

func TestFrameLocalBounds(t *testing.T) {
	cs := newCallStack(1)
	fr := cs.push(FuncMeta{Name: "main", Locals: 1}, -1, 1)
	if _, ok := fr.Local(1); ok {
		t.Error("Local(1) should fail")
	}
	if fr.SetLocal(-1, 5) {
		t.Error("SetLocal(-1) should fail")
	}
	if !fr.SetLocal(0, 5) {
		t.Error("SetLocal(0) should succeed")
	}
}
