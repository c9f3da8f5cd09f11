// Package shell is the sole channel through which storaged touches the OS.
// Orchestration code depends on the Runner interface so tests can substitute
// a fake executor without spawning processes.
package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// Runner executes a privileged command with a bounded timeout and returns
// captured output. Implementations must not retry.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
}

// Recorder receives a record of every executed command, for audit trails.
type Recorder interface {
	Record(id, name string, args []string, code int, duration time.Duration, stderr string)
}

// Exec is the real Runner. The zero value is usable; Log and Audit are
// optional.
type Exec struct {
	Log   *zerolog.Logger
	Audit Recorder
}

func (e *Exec) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	start := time.Now()

	cmd := exec.CommandContext(cctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	dur := time.Since(start)

	if e.Log != nil {
		e.Log.Debug().
			Str("cmdId", id).
			Str("cmd", name).
			Strs("args", args).
			Int("code", res.Code).
			Dur("duration", dur).
			Msg("exec")
	}
	if e.Audit != nil {
		e.Audit.Record(id, name, args, res.Code, dur, string(res.Stderr))
	}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
