package vm

import (
	"context"
	"io"
	"testing"
)

// =============================================================================
// Benchmark Helpers
// =============================================================================

// benchmarkVM creates a VM that discards output.
func benchmarkVM(b *testing.B, code []int, nglobals int, funcs ...FuncMeta) *VM {
	b.Helper()
	if len(funcs) == 0 {
		funcs = []FuncMeta{{Name: "main"}}
	}
	v, err := New(code, nglobals, MustFuncTable(funcs...), WithOutput(io.Discard))
	if err != nil {
		b.Fatal(err)
	}
	return v
}

// =============================================================================
// Dispatch Overhead
// =============================================================================

// BenchmarkOpIConstPop measures the cost of a push/pop pair.
func BenchmarkOpIConstPop(b *testing.B) {
	p := NewProgram()
	for i := 0; i < 100; i++ {
		p.Emit(OpIConst, 42)
		p.Emit(OpPop)
	}
	p.Emit(OpHalt)
	v := benchmarkVM(b, p.Code(), 0)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Execute(ctx, 0)
	}
}

// BenchmarkLoop measures a global-memory counting loop.
func BenchmarkLoop(b *testing.B) {
	v := benchmarkVM(b, loopCode, 2)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Execute(ctx, 0)
	}
}

// =============================================================================
// Calls
// =============================================================================

// BenchmarkFactorial measures recursive call and return.
func BenchmarkFactorial(b *testing.B) {
	v := benchmarkVM(b, factorialCode, 0, factorialFuncs...)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.ExecuteEntry(ctx)
	}
}
