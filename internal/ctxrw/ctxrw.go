// Package ctxrw makes blocking reads and writes abort when a context is done.
package ctxrw

import (
	"context"
	"io"
	"time"

	g "github.com/anacrolix/generics"
)

type deadliner interface {
	SetDeadline(time.Time) error
}

type contextedReadWriter struct {
	ctx context.Context
	rw  io.ReadWriter
}

func (me contextedReadWriter) Read(p []byte) (int, error) {
	return contextedReadOrWrite(me.ctx, me.rw, me.rw.Read, p)
}

func (me contextedReadWriter) Write(p []byte) (int, error) {
	return contextedReadOrWrite(me.ctx, me.rw, me.rw.Write, p)
}

// Connections that support deadlines are interrupted by expiring the deadline, which leaves the
// stream consistent. Otherwise the operation is abandoned, and could still complete later.
func contextedReadOrWrite(
	ctx context.Context,
	rw io.ReadWriter,
	method func(b []byte) (int, error),
	b []byte,
) (n int, err error) {
	if err = context.Cause(ctx); err != nil {
		return
	}
	if d, ok := rw.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			d.SetDeadline(time.Unix(1, 0))
		})
		n, err = method(b)
		if !stop() {
			err = context.Cause(ctx)
		}
		return
	}
	asyncCh := make(chan g.Result[int], 1)
	go func() {
		asyncCh <- g.ResultFromTuple(method(b))
	}()
	select {
	case <-ctx.Done():
		err = context.Cause(ctx)
		return
	case res := <-asyncCh:
		return res.AsTuple()
	}
}

func WrapReadWriter(ctx context.Context, rw io.ReadWriter) io.ReadWriter {
	if ctx.Done() == nil {
		return rw
	}
	return contextedReadWriter{
		ctx: ctx,
		rw:  rw,
	}
}
