package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/stackvm/store"
	"github.com/chazu/stackvm/vm"
	"github.com/chazu/stackvm/vm/dist"
)

// Service and procedure names served by ExecutionService.
const (
	ExecutionServiceName = "stackvm.v1.ExecutionService"
	ExecuteProcedure     = "/" + ExecutionServiceName + "/Execute"
	DisassembleProcedure = "/" + ExecutionServiceName + "/Disassemble"
	RunsProcedure        = "/" + ExecutionServiceName + "/Runs"
)

const (
	defaultExecuteTimeout = 10 * time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultMaxMemoryWords = 1 << 22
)

// errOutputLimit is returned by the capped output writer once a run has
// printed more than its allowance.
var errOutputLimit = errors.New("output limit exceeded")

// ExecutionService runs program images submitted as CBOR bytes. Messages are
// protobuf well-known types so that no generated code is needed: requests
// carry a BytesValue holding the image and results come back as a Struct.
type ExecutionService struct {
	pool      *WorkerPool
	store     *store.Store
	timeout   time.Duration
	maxOutput int
	maxMemory int64
	log       commonlog.Logger
}

// NewExecutionService creates an ExecutionService. st may be nil, in which
// case runs are not recorded and Runs is unavailable. maxMemory caps the
// words one machine may allocate (see dist.Image.Footprint).
func NewExecutionService(pool *WorkerPool, st *store.Store, timeout time.Duration, maxOutput int, maxMemory int64) *ExecutionService {
	if timeout <= 0 {
		timeout = defaultExecuteTimeout
	}
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	if maxMemory <= 0 {
		maxMemory = defaultMaxMemoryWords
	}
	return &ExecutionService{
		pool:      pool,
		store:     st,
		timeout:   timeout,
		maxOutput: maxOutput,
		maxMemory: maxMemory,
		log:       commonlog.GetLogger("stackvm.server"),
	}
}

// runResult is what one execution produced, before conversion to a Struct.
type runResult struct {
	output string
	err    error
	stats  vm.Stats
	global []int
}

// Execute decodes and runs an image. Faults are reported in the response,
// not as RPC errors; only undecodable, invalid or oversized images fail the
// call.
func (s *ExecutionService) Execute(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[structpb.Struct], error) {
	img, err := dist.DecodeImage(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if words := img.Footprint(); words > s.maxMemory {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("image %q needs up to %d words, limit is %d", img.Name, words, s.maxMemory))
	}
	hash, err := img.HashHex()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	runID := uuid.NewString()
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value, err := s.pool.Do(runCtx, func() any {
		return s.run(runCtx, img)
	})
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, connect.NewError(connect.CodeDeadlineExceeded, fmt.Errorf("waiting for a worker: %w", ctxErr))
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	res := value.(runResult)
	elapsed := time.Since(started)

	halted := res.err == nil
	faultText := ""
	if res.err != nil {
		faultText = res.err.Error()
	}
	s.log.Infof("run %s of %s (%s): halted=%t cycles=%d in %s", runID, img.Name, hash[:12], halted, res.stats.Cycles, elapsed)

	if s.store != nil {
		if _, err := s.store.PutImage(ctx, img); err != nil {
			s.log.Warningf("storing image %s: %s", hash, err)
		} else if _, err := s.store.RecordRun(ctx, store.Run{
			ID:        runID,
			ImageHash: hash,
			Halted:    halted,
			Fault:     faultText,
			Cycles:    res.stats.Cycles,
			Output:    res.output,
			StartedAt: started,
			Duration:  elapsed,
		}); err != nil {
			s.log.Warningf("recording run %s: %s", runID, err)
		}
	}

	globals := make([]any, len(res.global))
	for i, g := range res.global {
		globals[i] = float64(g)
	}
	fields := map[string]any{
		"runId":     runID,
		"imageHash": hash,
		"name":      img.Name,
		"output":    res.output,
		"halted":    halted,
		"fault":     faultText,
		"cycles":    float64(res.stats.Cycles),
		"calls":     float64(res.stats.Calls),
		"maxDepth":  float64(res.stats.MaxDepth),
		"globals":   globals,
	}
	if f, ok := vm.IsFault(res.err); ok {
		fields["faultKind"] = f.Kind.String()
		fields["faultIp"] = float64(f.IP)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// run executes img on a fresh machine. It runs on a pool worker.
func (s *ExecutionService) run(ctx context.Context, img *dist.Image) runResult {
	out := &cappedBuffer{limit: s.maxOutput}
	machine, err := img.NewVM(vm.WithOutput(out))
	if err != nil {
		return runResult{err: err}
	}
	err = img.Execute(ctx, machine)
	return runResult{
		output: out.String(),
		err:    err,
		stats:  machine.Stats(),
		global: machine.Globals(),
	}
}

// Disassemble returns the listing of an image.
func (s *ExecutionService) Disassemble(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[wrapperspb.StringValue], error) {
	img, err := dist.UnmarshalImage(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	table, err := img.Table()
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewResponse(wrapperspb.String(vm.Disassemble(img.Code, table))), nil
}

// Runs lists the recorded runs of an image, given its hex hash.
func (s *ExecutionService) Runs(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[structpb.ListValue], error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no run store configured"))
	}
	hash := req.Msg.GetValue()
	if hash == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("image hash is required"))
	}
	runs, err := s.store.Runs(ctx, hash)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	items := make([]any, len(runs))
	for i, r := range runs {
		items[i] = map[string]any{
			"runId":      r.ID,
			"halted":     r.Halted,
			"fault":      r.Fault,
			"cycles":     float64(r.Cycles),
			"output":     r.Output,
			"startedAt":  r.StartedAt.UTC().Format(time.RFC3339Nano),
			"durationMs": float64(r.Duration) / float64(time.Millisecond),
		}
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(list), nil
}

// cappedBuffer accumulates output up to limit bytes and then fails writes,
// which faults the machine with an output error.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		return 0, errOutputLimit
	}
	return b.Buffer.Write(p)
}
