package manifest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/stackvm/vm"
	"github.com/chazu/stackvm/vm/dist"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, img *dist.Image) string {
	t.Helper()
	var out bytes.Buffer
	machine, err := img.NewVM(vm.WithOutput(&out))
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	if err := img.Execute(context.Background(), machine); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return out.String()
}

func TestLoadTOMLWords(t *testing.T) {
	path := writeFile(t, "hello.toml", `
[program]
globals = 2

[code]
words = [9, 1, 9, 2, 1, 14, 18]
`)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Program.Name != "hello" {
		t.Errorf("program name = %q, want hello", m.Program.Name)
	}
	if m.Program.StackSize != vm.DefaultStackSize {
		t.Errorf("stack size = %d, want default", m.Program.StackSize)
	}
	if m.Program.MaxDepth != vm.DefaultCallStackSize {
		t.Errorf("max depth = %d, want default", m.Program.MaxDepth)
	}
	if len(m.Functions) != 1 || m.Functions[0].Name != "main" {
		t.Errorf("functions = %+v, want default main", m.Functions)
	}

	img, err := m.Image()
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	if img.Globals != 2 {
		t.Errorf("globals = %d, want 2", img.Globals)
	}
	if got := run(t, img); got != "3\n" {
		t.Errorf("output = %q, want %q", got, "3\n")
	}
}

func TestLoadTOMLAsm(t *testing.T) {
	path := writeFile(t, "factorial.toml", `
[program]
name = "fact"

[[function]]
name = "main"

[[function]]
name = "factorial"
args = 1

[code]
asm = """
factorial:
    load 0
    iconst 2
    ilt
    brf recurse
    iconst 1
    ret
recurse:
    load 0
    load 0
    iconst 1
    isub
    call factorial
    imul
    ret
main:            ; entry
    iconst 5
    call factorial
    print
    halt
"""
`)
	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Name != "fact" {
		t.Errorf("name = %q", img.Name)
	}
	if img.Functions[0].Address != 21 || img.Functions[1].Address != 0 {
		t.Errorf("function addresses = %+v", img.Functions)
	}
	if img.Code[6] != 10 {
		t.Errorf("brf target = %d, want 10", img.Code[6])
	}
	if got := run(t, img); got != "120\n" {
		t.Errorf("output = %q, want %q", got, "120\n")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "f.yaml", `
program:
  name: f
functions:
  - name: main
  - name: f
    args: 1
    locals: 1
    label: body
code:
  asm: |
    main: iconst 10
          call f
          print
          halt
    body: load 0
          store 1
          iconst 2
          load 1
          imul
          ret
`)
	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Functions[1].Address != 6 {
		t.Errorf("f address = %d, want 6", img.Functions[1].Address)
	}
	if got := run(t, img); got != "20\n" {
		t.Errorf("output = %q, want %q", got, "20\n")
	}
}

func TestLoadCBORImage(t *testing.T) {
	src := writeFile(t, "hello.toml", "[code]\nasm = \"iconst 7\\nprint\\nhalt\"\n")
	img, err := LoadImage(src)
	if err != nil {
		t.Fatal(err)
	}
	data, err := dist.MarshalImage(img)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "hello.cbor")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage(cbor) failed: %v", err)
	}
	if got := run(t, loaded); got != "7\n" {
		t.Errorf("output = %q, want %q", got, "7\n")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"extension", "p.txt", "", "unsupported program file extension"},
		{"bad toml", "p.toml", "[program\n", "parse error"},
		{"no code", "p.toml", "[program]\nname = \"x\"\n", "exactly one of"},
		{"both codes", "p.toml", "[code]\nwords = [18]\nasm = \"halt\"\n", "exactly one of"},
		{"unknown label", "p.toml", "[[function]]\nname = \"main\"\nlabel = \"nowhere\"\n[code]\nasm = \"halt\"\n", "unknown label"},
		{"verify", "p.toml", "[code]\nwords = [11, 4]\n", "gload index 4"},
		{"undeclared call", "p.toml", "[[function]]\nname = \"main\"\n[code]\nasm = \"call ghost\\nhalt\"\n", "unresolved functions: ghost"},
		{"duplicate function", "p.toml", "[[function]]\nname = \"main\"\n[[function]]\nname = \"main\"\n[code]\nwords = [18]\n", "defined twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadImage(writeFile(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadImage() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestImageForwardCall(t *testing.T) {
	// main calls double before the assembler has seen its label.
	path := writeFile(t, "fwd.toml", `
[[function]]
name = "main"

[[function]]
name = "double"
args = 1

[code]
asm = """
main:
        iconst 21
        call double
        print
        halt
double:
        load 0
        iconst 2
        imul
        ret
"""
`)
	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if len(img.Functions) != 2 || img.Functions[1].Name != "double" || img.Functions[1].Address != 6 {
		t.Errorf("functions = %+v", img.Functions)
	}
	if got := run(t, img); got != "42\n" {
		t.Errorf("output = %q, want %q", got, "42\n")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
