package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/msageha/scull/internal/daemon"
	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/harness"
	"github.com/msageha/scull/internal/lifecycle"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/setup"
	"github.com/msageha/scull/internal/status"
	"github.com/msageha/scull/internal/uds"
)

const version = "1.0.0"

// The main goroutine stays on the main thread, so a plain observe reports
// the process itself (pid == tgid).
func init() {
	runtime.LockOSThread()
}

var (
	errUsage        = errors.New("invalid command")
	errMissingValue = errors.New("missing quantum")
)

func main() {
	if calls, ok := harness.ChildCalls(); ok {
		runHarnessChild(calls)
		return
	}

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "%s: Invalid number of arguments\n", progName())
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("scull %s\n", version)
	case "h", "help", "--help", "-h":
		printUsage(os.Stdout)
	case "p":
		runProcesses()
	case "t":
		runThreads()
	default:
		op, arg, err := parseOp(os.Args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", progName(), err)
			printUsage(os.Stderr)
			os.Exit(1)
		}
		runOp(op, arg)
	}
}

// parseOp turns `<token> [int]` into a device op.
func parseOp(args []string) (device.Op, *int, error) {
	op, ok := device.OpFromToken(args[0])
	if !ok {
		return "", nil, fmt.Errorf("%w %q", errUsage, args[0])
	}
	if !op.NeedsArg() {
		return op, nil, nil
	}
	if len(args) < 2 {
		return "", nil, errMissingValue
	}
	v, err := strconv.Atoi(args[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid quantum %q: %w", args[1], err)
	}
	return op, &v, nil
}

// renderResult prints a successful result the way each op reports it.
func renderResult(w io.Writer, res device.Result) {
	switch res.Op {
	case device.OpReset:
		fmt.Fprintln(w, "Quantum reset")
	case device.OpSet, device.OpTell:
		fmt.Fprintln(w, "Quantum set")
	case device.OpGet, device.OpQuery:
		fmt.Fprintf(w, "Quantum: %d\n", *res.Value)
	case device.OpExchange:
		fmt.Fprintf(w, "Quantum exchanged, old quantum: %d\n", *res.Old)
	case device.OpShift:
		fmt.Fprintf(w, "Quantum shifted, old quantum: %d\n", *res.Old)
	case device.OpObserve:
		fmt.Fprintln(w, res.Task.String())
	}
}

func runOp(op device.Op, arg *int) {
	remote := openDevice()
	ctx, stop := signalContext()
	defer stop()

	res, err := remote.Dispatch(ctx, device.Request{Op: op, Arg: arg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ioctl: %v\n", err)
		stop()
		os.Exit(1)
	}
	renderResult(os.Stdout, res)
}

func runProcesses() {
	dir := requireScullDir()
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		os.Exit(1)
	}
	// Children locate the device the same way the parent did.
	os.Setenv("SCULL_DIR", dir)

	ctx, stop := signalContext()
	defer stop()

	results, err := harness.RunProcesses(ctx, exe, []string{"i"}, harness.DefaultProcesses, harness.DefaultCalls)
	for _, r := range results {
		os.Stdout.Write(r.Output)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "p: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func runHarnessChild(calls int) {
	remote := openDevice()
	ctx, stop := signalContext()
	defer stop()

	err := harness.RunChild(ctx, remote, calls, func(s model.TaskSnapshot) {
		fmt.Println(s.String())
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ioctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func runThreads() {
	remote := openDevice()
	ctx, stop := signalContext()
	defer stop()

	results, err := harness.RunThreads(ctx, remote, harness.DefaultThreads, harness.DefaultCalls)
	for _, snaps := range results {
		for _, s := range snaps {
			fmt.Println(s.String())
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "t: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	dir := requireScullDir()

	if err := lifecycle.Recover(dir, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "startup recovery: %v\n", err)
		os.Exit(1)
	}
	cfg, err := model.LoadConfig(filepath.Join(dir, model.ConfigFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	const usage = "usage: scull setup <project_dir> [--name <name>] [--quantum <int>] [--force]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	projectDir := args[0]
	var opts setup.Options
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--force":
			opts.Force = true
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, usage)
				os.Exit(1)
			}
			i++
			opts.Name = args[i]
		case "--quantum":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, usage)
				os.Exit(1)
			}
			i++
			q, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --quantum %q\n%s\n", args[i], usage)
				os.Exit(1)
			}
			opts.Quantum = &q
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}

	base, err := setup.Run(projectDir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runStart(_ []string) {
	dir := requireScullDir()
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := lifecycle.Start(ctx, dir, exe, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		cancel()
		os.Exit(1)
	}
	fmt.Printf("Device %s is up (pid %d, quantum %d).\n", info.Device, info.PID, info.Quantum)
}

func runStop(_ []string) {
	dir := requireScullDir()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Second)
	defer cancel()

	if err := lifecycle.Stop(ctx, dir, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func runTasks(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: scull tasks [--json]\n", a)
			os.Exit(1)
		}
	}

	remote := openDevice()
	tasks, err := remote.Tasks(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "tasks: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(tasks, "", "  ")
		fmt.Println(string(out))
		return
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks registered.")
		return
	}
	for _, e := range tasks {
		fmt.Printf("Task %d: PID %d, TGID %d\n", e.Seq, e.PID, e.TGID)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: scull status [--json]\n", a)
			os.Exit(1)
		}
	}

	dir := requireScullDir()
	if err := status.Run(context.Background(), dir, os.Stdout, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func openDevice() *device.Remote {
	dir := requireScullDir()
	return device.NewRemote(uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func requireScullDir() string {
	dir := findScullDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .scull/ directory not found. Run 'scull setup <dir>' first.")
		os.Exit(1)
	}
	return dir
}

// findScullDir returns $SCULL_DIR, or the nearest .scull directory walking
// up from the working directory.
func findScullDir() string {
	if dir := os.Getenv("SCULL_DIR"); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		return ""
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func progName() string {
	return filepath.Base(os.Args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `scull %s - quantum control device

Usage: %s <command> [int]

Device commands:
  R          Reset quantum
  S <int>    Set quantum
  T <int>    Tell quantum
  G          Get quantum
  Q          Query quantum
  X <int>    Exchange quantum
  H <int>    Shift quantum
  i, I       Info of the calling thread
  p          Info from %d processes, %d calls each
  t          Info from %d threads, %d calls each
  h          Print this message

Daemon:
  setup <dir> [flags]  Initialize .scull/ directory
  start                Start the daemon in the background
  daemon               Run the daemon in the foreground
  stop                 Drain the registry and stop the daemon
  status [--json]      Show daemon, quantum and registered tasks
  tasks [--json]       List registered tasks
  version              Show version

`, version, progName(),
		harness.DefaultProcesses, harness.DefaultCalls,
		harness.DefaultThreads, harness.DefaultCalls)
}
