// Package manifest loads stackvm program files. A program file declares the
// machine sizing, the function table and the code, either as raw words or
// as assembler text. Files may be TOML (.toml) or YAML (.yaml, .yml);
// compiled images (.cbor) are loaded through LoadImage.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/stackvm/vm"
	"github.com/chazu/stackvm/vm/dist"
)

// Manifest represents a parsed program file.
type Manifest struct {
	Program   Program    `toml:"program" yaml:"program"`
	Functions []Function `toml:"function" yaml:"functions"`
	Code      Code       `toml:"code" yaml:"code"`

	// Path is the file the manifest was loaded from (set at load time).
	Path string `toml:"-" yaml:"-"`
}

// Program contains program metadata and machine sizing.
type Program struct {
	Name      string `toml:"name" yaml:"name"`
	Globals   int    `toml:"globals" yaml:"globals"`
	Entry     string `toml:"entry" yaml:"entry"`
	StackSize int    `toml:"stack-size" yaml:"stack-size"`
	MaxDepth  int    `toml:"max-depth" yaml:"max-depth"`
}

// Function declares one function table entry. The first function is the
// entry descriptor. Label, when set, takes the address from an assembler
// label instead of Address.
type Function struct {
	Name    string `toml:"name" yaml:"name"`
	Args    int    `toml:"args" yaml:"args"`
	Locals  int    `toml:"locals" yaml:"locals"`
	Address int    `toml:"address" yaml:"address"`
	Label   string `toml:"label" yaml:"label"`
}

// Code holds the program text. Exactly one of Words or Asm must be set.
type Code struct {
	Words []int  `toml:"words" yaml:"words"`
	Asm   string `toml:"asm" yaml:"asm"`
}

// Load parses a program file, choosing the format by extension.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported program file extension %q", ext)
	}
	m.Path = path

	m.applyDefaults(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	return &m, nil
}

// LoadImage loads a program file or a compiled .cbor image and returns a
// validated image.
func LoadImage(path string) (*dist.Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		return dist.DecodeImage(data)
	}
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return m.Image()
}

func (m *Manifest) applyDefaults(name string) {
	if m.Program.Name == "" {
		m.Program.Name = name
	}
	if m.Program.StackSize == 0 {
		m.Program.StackSize = vm.DefaultStackSize
	}
	if m.Program.MaxDepth == 0 {
		m.Program.MaxDepth = vm.DefaultCallStackSize
	}
	if len(m.Functions) == 0 {
		m.Functions = []Function{{Name: "main"}}
	}
}

// Image assembles the code, resolves function addresses and returns a
// validated image.
func (m *Manifest) Image() (*dist.Image, error) {
	hasWords := len(m.Code.Words) > 0
	hasAsm := strings.TrimSpace(m.Code.Asm) != ""
	if hasWords == hasAsm {
		return nil, fmt.Errorf("manifest %s: set exactly one of code.words or code.asm", m.Program.Name)
	}

	// Declared functions get ids in file order, so the first one is the
	// entry descriptor. Calls to names declared nowhere reserve further ids
	// and are reported by Build.
	tb := vm.NewTableBuilder()
	for _, f := range m.Functions {
		tb.ID(f.Name)
	}

	code := m.Code.Words
	var labels map[string]int
	if hasAsm {
		var err error
		code, labels, err = Assemble(m.Code.Asm, tb)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", m.Program.Name, err)
		}
	}

	for _, f := range m.Functions {
		addr := f.Address
		label := f.Label
		if label == "" && hasAsm {
			if _, ok := labels[f.Name]; ok {
				label = f.Name
			}
		}
		if label != "" {
			a, ok := labels[label]
			if !ok {
				return nil, fmt.Errorf("manifest %s: function %s: unknown label %q", m.Program.Name, f.Name, label)
			}
			addr = a
		}
		if _, err := tb.Define(f.Name, f.Args, f.Locals, addr); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", m.Program.Name, err)
		}
	}
	table, err := tb.Build()
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", m.Program.Name, err)
	}

	funcs := make([]dist.Function, 0, table.Len())
	for _, meta := range table.All() {
		funcs = append(funcs, dist.Function{Name: meta.Name, Args: meta.Args, Locals: meta.Locals, Address: meta.Address})
	}

	img := &dist.Image{
		Version:   dist.ImageVersion,
		Name:      m.Program.Name,
		Globals:   m.Program.Globals,
		Entry:     m.Program.Entry,
		Functions: funcs,
		Code:      code,
		StackSize: m.Program.StackSize,
		MaxDepth:  m.Program.MaxDepth,
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}
