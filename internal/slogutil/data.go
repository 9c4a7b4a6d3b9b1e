package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

type data map[string]slog.Attr

type dataKey struct{}

func cloneData(ctx context.Context) data {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return data{}
	}

	return maps.Clone(d)
}

// With returns a context carrying the given key-value pairs. Records
// logged with that context pick them up through the data hook, so
// request-scoped fields follow every log line of a request.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	d := cloneData(ctx)

	var r slog.Record
	r.Add(kvargs...)
	r.Attrs(func(a slog.Attr) bool {
		d[a.Key] = a
		return true
	})

	return context.WithValue(ctx, dataKey{}, d)
}

// dataHook copies the context's attributes onto each handled record.
type dataHook struct{}

func (dataHook) Run(ctx context.Context, r *slog.Record) {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return
	}
	for _, a := range d {
		r.AddAttrs(a)
	}
}
