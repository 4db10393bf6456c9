// Package local provides a local subprocess driver for agents.
//
// Each instance is a long-lived process speaking JSON lines: requests
// {"id","action","params"} on stdin and responses
// {"id","status","data","warnings","message","error"} on stdout.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/pkg/types"
)

// ErrExited is returned for calls made after the agent process exited.
var ErrExited = errors.New("agent process exited")

// Executor runs agents as local subprocesses.
type Executor struct {
	stopTimeout time.Duration
	log         zerolog.Logger

	// Running processes
	processesMu sync.RWMutex
	processes   map[string]*Process
}

// NewExecutor creates a new local Executor.
func NewExecutor(stopTimeout time.Duration, log zerolog.Logger) *Executor {
	if stopTimeout <= 0 {
		stopTimeout = 2 * time.Second
	}

	return &Executor{
		stopTimeout: stopTimeout,
		log:         log.With().Str("component", "local-executor").Logger(),
		processes:   make(map[string]*Process),
	}
}

// Name returns the driver name.
func (e *Executor) Name() string {
	return "local"
}

// Start launches the kind's command and waits until it answers a ping.
func (e *Executor) Start(ctx context.Context, req *agent.StartRequest) (agent.Handle, error) {
	if len(req.Kind.Command) == 0 {
		return nil, types.ValidationError("agent kind %s has no command for the local driver", req.Kind.Name)
	}

	cmd := exec.Command(req.Kind.Command[0], req.Kind.Command[1:]...)
	cmd.Env = buildEnvironment(req)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	proc := &Process{
		InstanceID: req.InstanceID,
		Kind:       req.Kind.Name,
		StartedAt:  time.Now(),
		cmd:        cmd,
		stdin:      stdin,
		pending:    make(map[uint64]chan *response),
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
		executor:   e,
		log:        e.log.With().Str("instance", req.InstanceID).Int("pid", cmd.Process.Pid).Logger(),
	}

	e.processesMu.Lock()
	e.processes[req.InstanceID] = proc
	e.processesMu.Unlock()

	go proc.readLoop(stdout)
	go proc.logStderr(stderr)
	go proc.wait()

	if err := proc.Ping(ctx); err != nil {
		_ = proc.Stop(context.Background())
		return nil, fmt.Errorf("agent %s did not become ready: %w", req.InstanceID, err)
	}

	proc.log.Info().Str("kind", req.Kind.Name).Msg("Agent process started")
	return proc, nil
}

func (e *Executor) forget(instanceID string, proc *Process) {
	e.processesMu.Lock()
	defer e.processesMu.Unlock()

	if e.processes[instanceID] == proc {
		delete(e.processes, instanceID)
	}
}

type request struct {
	ID     uint64         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type response struct {
	ID       uint64             `json:"id"`
	Status   types.ActionStatus `json:"status"`
	Data     map[string]any     `json:"data,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
	Message  string             `json:"message,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Process represents a running agent process.
type Process struct {
	InstanceID string
	Kind       string
	StartedAt  time.Time

	cmd      *exec.Cmd
	executor *Executor
	log      zerolog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *response

	readDone   chan struct{}
	stderrDone chan struct{}
	done       chan struct{}
	exitErr    error
}

// ExecuteAction sends an action and waits for its response.
func (p *Process) ExecuteAction(ctx context.Context, action string, params map[string]any) (*types.ActionResult, error) {
	resp, err := p.call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("agent %s: %s", p.InstanceID, resp.Error)
	}
	status := resp.Status
	if status == "" {
		status = types.ActionSuccess
	}
	return &types.ActionResult{
		Status:   status,
		Data:     resp.Data,
		Warnings: resp.Warnings,
		Message:  resp.Message,
	}, nil
}

// Ping sends the liveness action.
func (p *Process) Ping(ctx context.Context) error {
	resp, err := p.call(ctx, agent.PingAction, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("ping failed: %s", resp.Error)
	}
	return nil
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop closes stdin, sends SIGTERM and kills the process if it has not
// exited within the stop timeout.
func (p *Process) Stop(ctx context.Context) error {
	if !p.alive() {
		return nil
	}

	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(p.executor.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Force kill if still running
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill agent %s: %w", p.InstanceID, err)
	}
	<-p.done
	return nil
}

func (p *Process) call(ctx context.Context, action string, params map[string]any) (*response, error) {
	if !p.alive() {
		return nil, ErrExited
	}

	id := p.seq.Add(1)
	ch := make(chan *response, 1)

	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	line, err := json.Marshal(&request{ID: id, Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(line)
	p.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-p.done:
		return nil, ErrExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			p.log.Debug().Str("line", scanner.Text()).Msg("Ignoring non-protocol output")
			continue
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[resp.ID]
		p.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}

func (p *Process) logStderr(stderr io.Reader) {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.log.Debug().Str("stderr", scanner.Text()).Msg("Agent output")
	}
}

// wait reaps the process once both pipes hit EOF, as exec.Cmd requires.
func (p *Process) wait() {
	<-p.readDone
	<-p.stderrDone
	p.exitErr = p.cmd.Wait()
	p.executor.forget(p.InstanceID, p)
	close(p.done)

	ev := p.log.Info()
	if p.exitErr != nil {
		ev = p.log.Warn().Err(p.exitErr)
	}
	ev.Msg("Agent process exited")
}

func (p *Process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// buildEnvironment builds the environment variables for the process.
func buildEnvironment(req *agent.StartRequest) []string {
	env := os.Environ()

	env = append(env, fmt.Sprintf("REEL_INSTANCE_ID=%s", req.InstanceID))
	env = append(env, fmt.Sprintf("REEL_AGENT_KIND=%s", req.Kind.Name))

	for key, value := range req.Kind.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	// Deploy-time config overrides kind defaults
	for key, value := range req.Config {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	return env
}
