package statedict

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/loaderr"
	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/shard"
)

// loader streams planned slots from disk into an allocated pool.
type loader struct {
	dev         device.Device
	pool        device.Buffer
	plan        *Plan
	transforms  []device.Transform // per slot, nil when the entry has none
	batchSize   int
	concurrency int
	log         logger.Logger

	// readFn is swapped in tests.
	readFn func(context.Context, *shard.Descriptor) ([]byte, error)
}

// run reads slots a window at a time. Reads inside a window run concurrently;
// staging, transforms and copies are issued strictly in plan order.
func (l *loader) run(ctx context.Context) (err error) {
	window := max(l.concurrency, 1)
	batch := l.dev.NewBatch()
	var staged []device.Buffer // waiting on the current batch

	defer func() {
		for _, buf := range staged {
			buf.Release()
		}
	}()

	flush := func() error {
		if batch.Len() == 0 && len(staged) == 0 {
			return nil
		}
		n := batch.Len()
		if err := batch.Submit(ctx); err != nil {
			return wrapDevice("submit", err)
		}
		for _, buf := range staged {
			buf.Release()
		}
		staged = staged[:0]
		l.log.Debug("batch complete", "copies", n)
		batch = l.dev.NewBatch()
		return nil
	}

	for start := 0; start < len(l.plan.Slots); start += window {
		end := min(start+window, len(l.plan.Slots))
		data, err := l.readWindow(ctx, l.plan.Slots[start:end])
		if err != nil {
			return err
		}

		for i, raw := range data {
			idx := start + i
			slot := &l.plan.Slots[idx]
			if err := ctx.Err(); err != nil {
				return err
			}

			buf, err := l.dev.Stage(raw, slot.Desc.Meta.Key)
			if err != nil {
				return wrapDevice("stage "+slot.Desc.Meta.Key, err)
			}
			data[i] = nil
			staged = append(staged, buf)

			if t := l.transforms[idx]; t != nil {
				el := device.Element{Count: slot.Desc.Elements(), Wide16: slot.Desc.Meta.Wide16}
				if err := t.Apply(batch, buf, el); err != nil {
					return wrapDevice(fmt.Sprintf("transform %s on %s", slot.Entry.Transform, slot.Desc.Meta.Key), err)
				}
			}
			if err := batch.Copy(buf, l.pool, slot.Offset); err != nil {
				return wrapDevice("copy "+slot.Desc.Meta.Key, err)
			}
			l.log.Debug("slot queued",
				"name", slot.Entry.Name,
				"layer", slot.Layer,
				"offset", slot.Offset,
				"bytes", slot.Desc.ByteSize,
			)

			if l.batchSize > 0 && batch.Len() >= l.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

func (l *loader) readWindow(ctx context.Context, slots []Slot) ([][]byte, error) {
	out := make([][]byte, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	for i := range slots {
		d := slots[i].Desc
		g.Go(func() error {
			raw, err := l.readFn(gctx, d)
			if err != nil {
				return err
			}
			out[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// wrapDevice classifies a device failure after planning. Context errors and
// taxonomy errors pass through unchanged.
func wrapDevice(op string, err error) error {
	if loaderr.KindOf(err) != 0 || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return loaderr.Wrap(loaderr.AllocationFailure, "", fmt.Errorf("%s: %w", op, err))
}
