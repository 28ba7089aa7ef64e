package process

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is the fully drained output of a finished child.
type Result struct {
	Pid      int
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Collect drains both streams concurrently, then waits for exit. Reading the
// streams one after the other can deadlock once the child fills the pipe
// buffer of the stream not being read.
//
// If ctx ends first the child is killed and ctx.Err() is returned.
func Collect(ctx context.Context, h Handle) (*Result, error) {
	start := time.Now()
	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	drain := func(dst *bytes.Buffer, src io.Reader) {
		defer wg.Done()
		if src == nil {
			return
		}
		_, _ = io.Copy(dst, src)
	}
	wg.Add(2)
	go drain(&stdout, h.Stdout())
	go drain(&stderr, h.Stderr())

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	type exit struct {
		code int
		err  error
	}
	exited := make(chan exit, 1)
	go func() {
		<-drained
		code, err := h.Wait()
		exited <- exit{code: code, err: err}
	}()

	select {
	case e := <-exited:
		if e.err != nil {
			return nil, e.err
		}
		return &Result{
			Pid:      h.Pid(),
			ExitCode: e.code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	case <-ctx.Done():
		if err := h.Kill(); err != nil {
			log.Debug().Err(err).Int("pid", h.Pid()).Msg("kill after context end")
		}
		// Wait releases the pipes, which unblocks the drain goroutines even
		// when a grandchild still holds the write ends.
		_, _ = h.Wait()
		<-exited
		return nil, ctx.Err()
	}
}

// Run launches cmd and collects it.
func Run(ctx context.Context, l Launcher, cmd Command) (*Result, error) {
	h, err := l.Launch(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, h)
}
