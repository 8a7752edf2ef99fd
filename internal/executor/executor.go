// Package executor runs remediation command lists against a host. It is the
// only package that touches a real machine.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/fleetguard/internal/lock"
	"github.com/msageha/fleetguard/internal/model"
)

// ErrTimeout marks a command killed at its deadline.
var ErrTimeout = errors.New("command timed out")

// Request is one command list to run on Host. Timeout applies to each
// command separately.
type Request struct {
	Host           *model.Host
	Commands       []string
	Timeout        time.Duration
	MaxBufferBytes int
}

// Result carries the combined output of every command that ran, bounded by
// the request's MaxBufferBytes.
type Result struct {
	Output    string
	Truncated bool
	// FailedIndex is the index of the failing command, or -1.
	FailedIndex int
}

// Executor runs commands in order and stops at the first failure. A non-nil
// error means the list did not complete; Result is populated either way.
type Executor interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// BoundedBuffer keeps the first max bytes written to it and drops the rest.
// Writes never fail, so an overflowing command is not killed by a short
// write on its pipe.
type BoundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func NewBoundedBuffer(max int) *BoundedBuffer {
	return &BoundedBuffer{max: max}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// runner runs a single command, writing its output to out.
type runner func(ctx context.Context, cmd string, out *BoundedBuffer) error

// runAll drives run over req.Commands with a fresh deadline per command.
func runAll(ctx context.Context, req Request, run runner) (Result, error) {
	out := NewBoundedBuffer(req.MaxBufferBytes)
	res := Result{FailedIndex: -1}
	for i, cmd := range req.Commands {
		err := runOne(ctx, req.Timeout, cmd, out, run)
		if err != nil {
			res.FailedIndex = i
			res.Output, res.Truncated = out.String(), out.Truncated()
			return res, fmt.Errorf("command %d: %w", i, err)
		}
	}
	res.Output, res.Truncated = out.String(), out.Truncated()
	return res, nil
}

func runOne(ctx context.Context, timeout time.Duration, cmd string, out *BoundedBuffer, run runner) error {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := run(cctx, cmd, out)
	// the parent's cancellation is not a timeout
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return err
}

// Serialized runs at most one command list per host at a time.
type Serialized struct {
	next  Executor
	hosts *lock.MutexMap
}

func NewSerialized(next Executor) *Serialized {
	return &Serialized{next: next, hosts: lock.NewMutexMap()}
}

func (s *Serialized) Run(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := s.hosts.With(req.Host.ID, func() error {
		var err error
		res, err = s.next.Run(ctx, req)
		return err
	})
	return res, err
}
