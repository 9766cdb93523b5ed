package provider

import (
	"context"

	"go.uber.org/zap"

	"mqbench/internal/worker"
)

// dummy needs no broker. Each iteration takes a destination name, which
// makes it useful for measuring the harness itself.
type dummy struct {
	s    settings
	last string
}

func newDummy(s settings) worker.Provider { return &dummy{s: s} }

func (d *dummy) Open(context.Context) error {
	d.s.log.Debug("open", zap.Int("index", d.s.index), zap.Stringer("destinations", d.s.dests))

	return nil
}

func (d *dummy) Iterate(ctx context.Context) worker.Result {
	if ctx.Err() != nil {
		return worker.HardFailure
	}

	d.last = d.s.dests.Generate()

	return worker.Success
}

func (d *dummy) Close(context.Context) error { return nil }
