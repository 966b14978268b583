// Package dist defines the portable program image: code, function table and
// machine sizing in one CBOR document. Images are content-addressed by the
// SHA-256 of their canonical encoding, so the same program always has the
// same hash regardless of who encoded it.
package dist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/chazu/stackvm/vm"
)

// ImageVersion is the current image format version.
const ImageVersion uint8 = 1

// Function is the serialized form of vm.FuncMeta.
type Function struct {
	Name    string `cbor:"1,keyasint"`
	Args    int    `cbor:"2,keyasint,omitempty"`
	Locals  int    `cbor:"3,keyasint,omitempty"`
	Address int    `cbor:"4,keyasint"`
}

// Image is a complete, runnable program. Functions[0] is the entry
// descriptor. Entry optionally names the function to start at; when empty
// execution starts at the entry descriptor's address.
type Image struct {
	Version   uint8      `cbor:"1,keyasint"`
	Name      string     `cbor:"2,keyasint,omitempty"`
	Globals   int        `cbor:"3,keyasint,omitempty"`
	Entry     string     `cbor:"4,keyasint,omitempty"`
	Functions []Function `cbor:"5,keyasint"`
	Code      []int      `cbor:"6,keyasint"`
	StackSize int        `cbor:"7,keyasint,omitempty"`
	MaxDepth  int        `cbor:"8,keyasint,omitempty"`
}

// Table builds the function table described by the image.
func (img *Image) Table() (*vm.FuncTable, error) {
	metas := make([]vm.FuncMeta, len(img.Functions))
	for i, f := range img.Functions {
		metas[i] = vm.FuncMeta{Name: f.Name, Args: f.Args, Locals: f.Locals, Address: f.Address}
	}
	return vm.NewFuncTable(metas...)
}

// Validate checks the image header and runs the static verifier over the
// code.
func (img *Image) Validate() error {
	if img.Version != ImageVersion {
		return fmt.Errorf("dist: unsupported image version %d", img.Version)
	}
	if img.Globals < 0 || img.StackSize < 0 || img.MaxDepth < 0 {
		return fmt.Errorf("dist: negative sizing in image %q", img.Name)
	}
	table, err := img.Table()
	if err != nil {
		return fmt.Errorf("dist: image %q: %w", img.Name, err)
	}
	if img.Entry != "" {
		if _, ok := table.ByName(img.Entry); !ok {
			return fmt.Errorf("dist: image %q: entry function %q not defined", img.Name, img.Entry)
		}
	}
	if err := vm.Verify(img.Code, img.Globals, table); err != nil {
		return fmt.Errorf("dist: image %q: %w", img.Name, err)
	}
	return nil
}

// Hash returns the SHA-256 of the canonical encoding.
func (img *Image) Hash() ([32]byte, error) {
	data, err := MarshalImage(img)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashHex returns Hash as a lowercase hex string.
func (img *Image) HashHex() (string, error) {
	h, err := img.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Footprint is the most words a machine for img can allocate: its globals,
// its operand stack and a full call stack of the largest frame. Zero sizes
// count at the vm defaults. The result saturates at math.MaxInt64.
func (img *Image) Footprint() int64 {
	stack := int64(img.StackSize)
	if stack <= 0 {
		stack = vm.DefaultStackSize
	}
	depth := int64(img.MaxDepth)
	if depth <= 0 {
		depth = vm.DefaultCallStackSize
	}
	var frame int64
	for _, f := range img.Functions {
		if n := satAdd(int64(f.Args), int64(f.Locals)); n > frame {
			frame = n
		}
	}
	total := satAdd(int64(img.Globals), stack)
	return satAdd(total, satMul(depth, satAdd(frame, 1)))
}

// satAdd and satMul operate on non-negative values.
func satAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func satMul(a, b int64) int64 {
	if a != 0 && b > math.MaxInt64/a {
		return math.MaxInt64
	}
	return a * b
}

// NewVM creates a machine sized by the image. Options are applied after the
// image's own sizing, so callers can override it.
func (img *Image) NewVM(opts ...vm.Option) (*vm.VM, error) {
	table, err := img.Table()
	if err != nil {
		return nil, err
	}
	var all []vm.Option
	if img.StackSize > 0 {
		all = append(all, vm.WithStackSize(img.StackSize))
	}
	if img.MaxDepth > 0 {
		all = append(all, vm.WithMaxDepth(img.MaxDepth))
	}
	all = append(all, opts...)
	return vm.New(img.Code, img.Globals, table, all...)
}

// Execute runs machine from the image's entry point.
func (img *Image) Execute(ctx context.Context, machine *vm.VM) error {
	if img.Entry == "" {
		return machine.ExecuteEntry(ctx)
	}
	return machine.ExecuteFunc(ctx, img.Entry)
}
