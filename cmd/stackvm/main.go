// stackvm CLI - runs, inspects, compiles and serves stackvm programs
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/stackvm/manifest"
	"github.com/chazu/stackvm/server"
	"github.com/chazu/stackvm/store"
	"github.com/chazu/stackvm/vm"
	"github.com/chazu/stackvm/vm/dist"
)

// logger must be looked up after commonlog.Configure.
func logger() commonlog.Logger {
	return commonlog.GetLogger("stackvm")
}

// options holds the parsed command line.
type options struct {
	trace     bool
	dump      bool
	stats     bool
	entry     string
	timeout   time.Duration
	disasm    bool
	compile   string
	storePath string
	remote    string
	serve     bool
	port      int
	workers   int
	maxMemory int64
}

func main() {
	var opts options
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet, 1 = info, 2 = debug)")
	flag.BoolVar(&opts.trace, "trace", false, "Trace every cycle to stderr")
	flag.BoolVar(&opts.dump, "dump", false, "Dump global memory to stderr after the run")
	flag.BoolVar(&opts.stats, "stats", false, "Print execution statistics to stderr")
	flag.StringVar(&opts.entry, "entry", "", "Function to start at (default: the entry descriptor)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this long (0 = no limit)")
	flag.BoolVar(&opts.disasm, "disasm", false, "Print a disassembly listing instead of running")
	flag.StringVar(&opts.compile, "compile", "", "Write the program as a CBOR image to this file instead of running")
	flag.StringVar(&opts.storePath, "store", "", "SQLite database recording images and runs")
	flag.StringVar(&opts.remote, "remote", "", "Execute on a stackvm server at this URL")
	flag.BoolVar(&opts.serve, "serve", false, "Start the execution server (gRPC + Connect HTTP/JSON)")
	flag.IntVar(&opts.port, "port", 7070, "Execution server port (used with -serve)")
	flag.IntVar(&opts.workers, "workers", 0, "Concurrent executions when serving (default: GOMAXPROCS)")
	flag.Int64Var(&opts.maxMemory, "max-memory", 0, "Largest machine, in words, a served image may request (default: 4Mi)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stackvm [options] program.{toml,yaml,cbor}\n\n")
		fmt.Fprintf(os.Stderr, "Runs a stackvm program file or compiled image. Program output goes to\n")
		fmt.Fprintf(os.Stderr, "stdout; traces, memory dumps and statistics go to stderr.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  stackvm examples/factorial.toml              # Run a program\n")
		fmt.Fprintf(os.Stderr, "  stackvm -trace -dump examples/loop.toml      # Trace and dump globals\n")
		fmt.Fprintf(os.Stderr, "  stackvm -compile fact.cbor examples/factorial.toml\n")
		fmt.Fprintf(os.Stderr, "  stackvm -serve -port 7070 -store runs.db     # Start the execution server\n")
		fmt.Fprintf(os.Stderr, "  stackvm -remote http://localhost:7070 fact.cbor\n")
	}
	flag.Parse()

	logVerbosity := *verbosity
	if logVerbosity <= 0 {
		logVerbosity = -4
	}
	commonlog.Configure(logVerbosity, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, flag.Args(), os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "stackvm: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches on the selected mode. Faults are returned as errors.
// Only program output and listings go to stdout; diagnostics go to stderr.
func run(ctx context.Context, opts options, args []string, stdout, stderr io.Writer) error {
	var st *store.Store
	if opts.storePath != "" {
		var err error
		st, err = store.Open(opts.storePath)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	if opts.serve {
		return serve(ctx, opts, st)
	}

	if len(args) != 1 {
		flag.Usage()
		return errors.New("expected exactly one program file")
	}
	img, err := manifest.LoadImage(args[0])
	if err != nil {
		return err
	}
	if opts.entry != "" {
		img.Entry = opts.entry
		if err := img.Validate(); err != nil {
			return err
		}
	}

	switch {
	case opts.disasm:
		table, err := img.Table()
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, vm.Disassemble(img.Code, table))
		return err

	case opts.compile != "":
		return compile(img, opts.compile, stdout)

	case opts.remote != "":
		return runRemote(ctx, img, opts, stdout)
	}

	return runLocal(ctx, img, opts, st, stdout, stderr)
}

func compile(img *dist.Image, path string, stdout io.Writer) error {
	data, err := dist.MarshalImage(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	hash, err := img.HashHex()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s (%d bytes)\n", hash, path, len(data))
	return nil
}

func runLocal(ctx context.Context, img *dist.Image, opts options, st *store.Store, stdout, stderr io.Writer) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	// Output is teed into a buffer only when a store wants to record it.
	var captured bytes.Buffer
	out := stdout
	if st != nil {
		out = io.MultiWriter(stdout, &captured)
	}
	vmOpts := []vm.Option{vm.WithOutput(out)}
	if opts.trace {
		vmOpts = append(vmOpts, vm.WithTrace(stderr))
	}
	machine, err := img.NewVM(vmOpts...)
	if err != nil {
		return err
	}

	started := time.Now()
	runErr := img.Execute(ctx, machine)
	elapsed := time.Since(started)
	stats := machine.Stats()
	logger().Infof("%s: %s after %d cycles in %s", img.Name, machine.State(), stats.Cycles, elapsed)

	if opts.dump {
		if err := machine.DumpGlobals(stderr); err != nil {
			return err
		}
	}
	if opts.stats {
		printStats(stderr, stats)
	}

	if st != nil {
		// The run context may already be cancelled; record regardless.
		recordCtx := context.WithoutCancel(ctx)
		hash, err := st.PutImage(recordCtx, img)
		if err != nil {
			return err
		}
		r := store.Run{
			ImageHash: hash,
			Halted:    runErr == nil,
			Cycles:    stats.Cycles,
			Output:    captured.String(),
			StartedAt: started,
			Duration:  elapsed,
		}
		if runErr != nil {
			r.Fault = runErr.Error()
		}
		recorded, err := st.RecordRun(recordCtx, r)
		if err != nil {
			return err
		}
		logger().Infof("recorded run %s", recorded.ID)
	}
	return runErr
}

func runRemote(ctx context.Context, img *dist.Image, opts options, stdout io.Writer) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	client := server.NewClient(nil, opts.remote)
	res, err := client.Execute(ctx, img)
	if err != nil {
		return err
	}
	if output, _ := res["output"].(string); output != "" {
		io.WriteString(stdout, output)
	}
	logger().Infof("remote run %v: %v cycles", res["runId"], res["cycles"])
	if fault, _ := res["fault"].(string); fault != "" {
		return errors.New(fault)
	}
	return nil
}

func serve(ctx context.Context, opts options, st *store.Store) error {
	serverOpts := []server.ServerOption{
		server.WithTimeout(opts.timeout),
		server.WithMaxMemory(opts.maxMemory),
	}
	if opts.workers > 0 {
		serverOpts = append(serverOpts, server.WithWorkers(opts.workers))
	}
	if st != nil {
		serverOpts = append(serverOpts, server.WithStore(st))
	}
	srv := server.New(serverOpts...)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return srv.ListenAndServe(fmt.Sprintf(":%d", opts.port))
}

func printStats(w io.Writer, stats vm.Stats) {
	fmt.Fprintf(w, "cycles=%d calls=%d returns=%d max-depth=%d\n",
		stats.Cycles, stats.Calls, stats.Returns, stats.MaxDepth)
	var parts []string
	for _, oc := range stats.TopOpcodes(5) {
		parts = append(parts, fmt.Sprintf("%s=%d", oc.Op, oc.Count))
	}
	if len(parts) > 0 {
		fmt.Fprintf(w, "top: %s\n", strings.Join(parts, " "))
	}
}
