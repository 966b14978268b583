package manifest

import (
	"strings"
	"testing"

	"github.com/chazu/stackvm/vm"
)

func TestAssembleLabelsAndComments(t *testing.T) {
	code, labels, err := Assemble(`
# count down from 3
        iconst 3
top:    gstore 0        ; remember
        gload 0
        brf done
        gload 0
        iconst -1
        iadd
        br top
done:   halt
`, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	want := []int{9, 3, 13, 0, 11, 0, 8, 15, 11, 0, 9, -1, 1, 6, 2, 18}
	if len(code) != len(want) {
		t.Fatalf("code = %v, want %v", code, want)
	}
	for i := range want {
		if code[i] != want[i] {
			t.Fatalf("code = %v, want %v", code, want)
		}
	}
	if labels["top"] != 2 || labels["done"] != 15 {
		t.Errorf("labels = %v", labels)
	}
}

func TestAssembleCallByName(t *testing.T) {
	tb := vm.NewTableBuilder()
	tb.ID("main")
	code, _, err := Assemble("call helper\ncall 0\nhalt", tb)
	if err != nil {
		t.Fatal(err)
	}
	if code[1] != 1 || code[3] != 0 {
		t.Errorf("code = %v", code)
	}

	// helper was only referenced, so the table is not complete yet.
	if _, err := tb.Build(); err == nil || !strings.Contains(err.Error(), "helper, main") {
		t.Errorf("Build() = %v, want unresolved helper, main", err)
	}
	if _, err := tb.Define("main", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.Define("helper", 0, 0, 4); err != nil {
		t.Fatal(err)
	}
	table, err := tb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if id, _ := table.ByName("helper"); id != 1 {
		t.Errorf("helper id = %d, want 1", id)
	}
}

func TestAssembleBackwardAndForwardBranches(t *testing.T) {
	code, _, err := Assemble("top: br end\nbr top\nend: br top", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{6, 4, 6, 0, 6, 0}
	for i := range want {
		if code[i] != want[i] {
			t.Fatalf("code = %v, want %v", code, want)
		}
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"nop", "unknown instruction"},
		{"iconst", "takes 1 operand(s), got 0"},
		{"iadd 1", "takes 0 operand(s), got 1"},
		{"iconst x", "needs an integer operand"},
		{"call nobody", "needs a function table"},
		{"br nowhere", "unknown label"},
		{"iconst 1\nbr gone\nbr lost", "line 2: unknown label \"gone\""},
		{"a:\na: halt", "defined twice"},
		{"two words: halt", "bad label"},
	}
	for _, tt := range tests {
		_, _, err := Assemble(tt.src, nil)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Assemble(%q) = %v, want error containing %q", tt.src, err, tt.want)
		}
	}
}
