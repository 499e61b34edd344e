package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"taskloom/internal/core"
)

// ActionKind and Action are re-exported from internal/core, which owns
// the canonical Task/Action data model the local execution path (and
// this grid/subprocess transport path) both build on. Aliasing here
// keeps every existing caller of transport.Action/transport.ActionShell
// compiling unchanged.
type ActionKind = core.ActionKind

const (
	ActionShell = core.ActionShell
	ActionFunc  = core.ActionFunc
)

// Action is one step of a task's action list (spec.md §3: "actions
// (ordered list; each either a shell-command string or a callable)").
type Action = core.Action

// Envelope is the self-contained unit shipped to a remote worker
// (subprocess or grid node): everything needed to execute one task
// without access to the declaring process's memory.
//
// Mirrors picklerunner.py's PickleScript.create_task: the task's
// actions/depends/targets/task_no survive the trip; unlike cloudpickle,
// Go function actions survive only as a name (see Registry).
type Envelope struct {
	ID         string
	TaskNo     int
	TaskName   string
	Inputs     []string
	Outputs    []string
	Env        map[string]string
	Actions    []Action
}

// NewEnvelope builds an Envelope for task, assigning a fresh transport ID.
func NewEnvelope(taskNo int, task core.Task, actions []Action) Envelope {
	return Envelope{
		ID:       uuid.NewString(),
		TaskNo:   taskNo,
		TaskName: task.Name,
		Inputs:   task.Inputs,
		Outputs:  task.Outputs,
		Env:      task.Env,
		Actions:  actions,
	}
}

// Result is the blob a remote worker writes back after executing an
// Envelope, analogous to picklerunner.py's pickled TaskResult namedtuple.
type Result struct {
	ID       string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      string
}

func init() {
	gob.Register(Envelope{})
	gob.Register(Result{})
}

// EncodeEnvelope/DecodeEnvelope use encoding/gob rather than the JSON
// files internal/recovery/state writes: the envelope crosses a process
// boundary but never needs to be human-readable or cross-language, so
// gob's cheaper binary framing is the better fit.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return e, nil
}

func EncodeResult(r Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("transport: encode result: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeResult(b []byte) (Result, error) {
	var r Result
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("transport: decode result: %w", err)
	}
	return r, nil
}

// Paths is the set of file locations a PickleScript (picklerunner.py's
// naming) needs: where the envelope/result blobs live and the runner
// script a grid/subprocess worker actually invokes.
type Paths struct {
	EnvelopePath string
	ResultPath   string
	ScriptPath   string
}

// Stage writes env to EnvelopePath and a tiny runner shell script to
// ScriptPath that re-invokes this same binary's hidden "run-envelope"
// subcommand (see cmd/taskloom) against the envelope, writing the result
// to ResultPath. tmpdir is the scratch directory (grid.TaskOptions.TmpDir
// or the local default); suffix disambiguates concurrent tasks sharing
// one tmpdir, mirroring PickleScript's mkstemp suffixing.
func Stage(tmpdir, suffix string, env Envelope, selfExe string) (Paths, error) {
	if tmpdir == "" {
		return Paths{}, fmt.Errorf("transport: stage: empty tmpdir")
	}
	if err := os.MkdirAll(tmpdir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("transport: stage: mkdir tmpdir: %w", err)
	}

	base := fmt.Sprintf("taskloom-%s-%s", env.ID, suffix)
	paths := Paths{
		EnvelopePath: filepath.Join(tmpdir, base+"_input.gob"),
		ResultPath:   filepath.Join(tmpdir, base+"_output.gob"),
		ScriptPath:   filepath.Join(tmpdir, base+"_runner.sh"),
	}

	encoded, err := EncodeEnvelope(env)
	if err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(paths.EnvelopePath, encoded, 0o600); err != nil {
		return Paths{}, fmt.Errorf("transport: stage: write envelope: %w", err)
	}

	script := fmt.Sprintf("#!/bin/sh\nexec %q run-envelope --in %q --out %q\n", selfExe, paths.EnvelopePath, paths.ResultPath)
	if err := os.WriteFile(paths.ScriptPath, []byte(script), 0o700); err != nil {
		return Paths{}, fmt.Errorf("transport: stage: write runner script: %w", err)
	}
	return paths, nil
}

// ReadResult loads and decodes the Result blob a remote worker wrote to
// p.ResultPath. A missing file is returned as a wrapped "transport: read
// result" error and an undecodable one as DecodeResult's error.
func ReadResult(p Paths) (Result, error) {
	b, err := os.ReadFile(p.ResultPath)
	if err != nil {
		return Result{}, fmt.Errorf("transport: read result: %w", err)
	}
	return DecodeResult(b)
}

// Run executes env's actions locally, in order, on whatever process
// decoded the envelope (a subprocess or grid node): ActionShell runs the
// command through a core.Executor exactly like a local worker would
// (spec.md §4.5: "a string action is a shell invocation"); ActionFunc
// looks the function up in reg and invokes it with a reconstructed
// core.Task. Run is what a remote worker's "run-envelope" subcommand
// calls after decoding the envelope; stdout/stderr accumulate across
// every action the way anadama2's BaseTask._run_action_local does.
func Run(ctx context.Context, env Envelope, reg *Registry) Result {
	task := core.Task{
		Name:    env.TaskName,
		Inputs:  env.Inputs,
		Outputs: env.Outputs,
		Env:     env.Env,
	}
	exec := core.NewExecutor("")

	var stdout, stderr bytes.Buffer
	for _, action := range env.Actions {
		if action.Kind == ActionFunc && action.Func == nil {
			fn, ok := reg.Lookup(action.FuncName)
			if !ok {
				return Result{ID: env.ID, ExitCode: 1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Err: fmt.Sprintf("transport: no function registered for %q", action.FuncName)}
			}
			action.Func = fn
		}

		step := task
		step.Actions = []Action{action}
		res, err := exec.Execute(ctx, &step, "")
		if err != nil {
			return Result{ID: env.ID, ExitCode: 1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Err: err.Error()}
		}
		stdout.Write(res.Stdout)
		stderr.Write(res.Stderr)
		if res.ExitCode != 0 {
			return Result{ID: env.ID, ExitCode: res.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Err: fmt.Sprintf("transport: action %q exited %d", action.Command, res.ExitCode)}
		}
	}
	return Result{ID: env.ID, ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
}
