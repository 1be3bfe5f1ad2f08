package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"sync"
	"time"
)

// A worker process talks to its parent with JSON lines on stdout. Each line
// carries exactly one of the fields below. The TaskSpec arrives on stdin.
type workerMessage struct {
	Event  json.RawMessage `json:"event,omitempty"`
	Result *TaskResult     `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const (
	maxWorkerLine   = 4 << 20
	stderrTailSize  = 4 << 10
	workerWaitGrace = 2 * time.Second
)

// CommandSpec describes the worker executable.
type CommandSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// CommandWork returns a Work that runs each task in its own OS process.
// Cancelling the task context kills the process. Events the child writes are
// published through the task's Reporter in the order received.
func CommandWork(cmdSpec CommandSpec, logger Logger) Work {
	logger = orNoOp(logger)
	return func(ctx context.Context, spec TaskSpec, rep Reporter) (*TaskResult, error) {
		input, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("encode task spec: %w", err)
		}

		cmd := exec.CommandContext(ctx, cmdSpec.Path, cmdSpec.Args...)
		cmd.Dir = cmdSpec.Dir
		cmd.Env = append(os.Environ(), cmdSpec.Env...)
		cmd.Stdin = bytes.NewReader(input)
		cmd.WaitDelay = workerWaitGrace
		stderr := &tailBuffer{limit: stderrTailSize}
		cmd.Stderr = stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		logger.Debug("worker process started",
			F("task_id", spec.TaskID),
			F("pid", cmd.Process.Pid))

		var (
			result    *TaskResult
			workerErr string
		)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64<<10), maxWorkerLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var msg workerMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				logger.Warn("unreadable worker output",
					F("task_id", spec.TaskID),
					F("error", err))
				continue
			}
			switch {
			case len(msg.Event) > 0:
				ev, err := DecodeEvent(msg.Event)
				if err != nil {
					logger.Warn("unreadable worker event",
						F("task_id", spec.TaskID),
						F("error", err))
					continue
				}
				rep.Publish(ctx, ev)
			case msg.Result != nil:
				result = msg.Result
			case msg.Error != "":
				workerErr = msg.Error
			}
		}
		scanErr := scanner.Err()
		waitErr := cmd.Wait()

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case workerErr != "":
			return nil, errors.New(workerErr)
		case waitErr != nil:
			return nil, fmt.Errorf("worker process: %w: %s", waitErr, stderr.String())
		case scanErr != nil:
			return nil, fmt.Errorf("read worker output: %w", scanErr)
		case result == nil:
			return nil, errors.New("worker process exited without a result")
		}
		return result, nil
	}
}

// ServeWorker is the child side of CommandWork: it reads a TaskSpec from r,
// runs work and writes events, then the result or error, to w.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, work Work) error {
	var spec TaskSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return fmt.Errorf("decode task spec: %w", err)
	}

	rep := &lineReporter{taskID: spec.TaskID, enc: json.NewEncoder(w)}
	result, err := runGuarded(ctx, spec, rep, work)
	if err != nil {
		if werr := rep.write(workerMessage{Error: err.Error()}); werr != nil {
			return werr
		}
		return err
	}
	if result == nil {
		result = &TaskResult{}
	}
	return rep.write(workerMessage{Result: result})
}

func runGuarded(ctx context.Context, spec TaskSpec, rep Reporter, work Work) (result *TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &WorkerError{TaskID: spec.TaskID, Err: panicError(r), Stack: debug.Stack()}
		}
	}()
	return work(ctx, spec, rep)
}

// lineReporter is the Reporter a worker process publishes through.
type lineReporter struct {
	taskID string
	mu     sync.Mutex
	enc    *json.Encoder
}

func (r *lineReporter) TaskID() string { return r.taskID }

func (r *lineReporter) Publish(_ context.Context, ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return r.write(workerMessage{Event: data}) == nil
}

func (r *lineReporter) write(msg workerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(msg)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}
