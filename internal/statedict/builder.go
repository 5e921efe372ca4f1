// Package statedict assembles a sharded state dict into a single device pool.
//
// A Builder validates every shard as it is included, plans the pool layout
// once all slots are filled, then streams the tensors into one allocation and
// returns a State indexed by logical parameter name.
package statedict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/loaderr"
	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
)

// ErrBuilderConsumed is returned by any call on a Builder after Build.
var ErrBuilderConsumed = errors.New("statedict: builder already built")

// DefaultReadConcurrency bounds concurrent shard reads.
const DefaultReadConcurrency = 4

type phase uint8

const (
	accumulating phase = iota
	planning
	loading
	ready
)

func (p phase) String() string {
	switch p {
	case accumulating:
		return "accumulating"
	case planning:
		return "planning"
	case loading:
		return "loading"
	case ready:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

type options struct {
	log             logger.Logger
	batchSize       int
	readConcurrency int
	resolver        device.Resolver
}

// Option configures a Builder.
type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithBatchSize groups up to n copies per device submission. Zero submits
// every copy at once.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = max(n, 0) }
}

// WithReadConcurrency sets how many shards are read from disk at once.
func WithReadConcurrency(n int) Option {
	return func(o *options) { o.readConcurrency = n }
}

// WithResolver overrides the transform resolver. By default the device is
// used when it implements device.Resolver.
func WithResolver(r device.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// Builder accumulates shards for one load. It is single use and not safe for
// concurrent use.
type Builder struct {
	spec *modelspec.Spec
	dev  device.Device
	opts options
	id   string
	log  logger.Logger

	base   *collector
	layers []*collector
	phase  phase
	err    error

	read func(context.Context, *shard.Descriptor) ([]byte, error)
}

// NewBuilder returns a Builder expecting every entry of spec.
func NewBuilder(spec *modelspec.Spec, dev device.Device, opts ...Option) (*Builder, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, errors.New("statedict: nil device")
	}
	o := options{readConcurrency: DefaultReadConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	if o.resolver == nil {
		if r, ok := dev.(device.Resolver); ok {
			o.resolver = r
		}
	}

	id := uuid.NewString()
	b := &Builder{
		spec:   spec,
		dev:    dev,
		opts:   o,
		id:     id,
		log:    o.log.With("load", id, "model", spec.Name, "device", dev.Name()),
		base:   newCollector(loaderr.NoLayer, spec.Base, spec.Hyper),
		layers: make([]*collector, spec.LayerCount()),
		read:   shard.ReadData,
	}
	for i := range b.layers {
		b.layers[i] = newCollector(i, spec.Layer, spec.Hyper)
	}
	return b, nil
}

// ID is the load ID, also used as the pool label.
func (b *Builder) ID() string { return b.id }

// Include validates the shard at path and assigns it to its slot.
func (b *Builder) Include(path string) error {
	if err := b.usable(); err != nil {
		return err
	}
	d, err := shard.Open(path)
	if err != nil {
		return b.fail(err)
	}
	c := b.base
	if d.HasLayer {
		if d.Layer >= len(b.layers) {
			return b.fail(loaderr.New(loaderr.UnknownLayer, d.Meta.Key,
				"model has %d layers", len(b.layers)).WithLayer(d.Layer).WithPath(d.Dir))
		}
		c = b.layers[d.Layer]
	}
	if err := c.include(d); err != nil {
		return b.fail(err)
	}
	b.log.Debug("shard included", "key", d.Meta.Key, "shape", d.Meta.Shape, "bytes", d.ByteSize)
	return nil
}

// Included reports how many slots are filled out of how many are expected.
func (b *Builder) Included() (filled, expected int) {
	filled, expected = b.base.count(), b.base.expected()
	for _, c := range b.layers {
		filled += c.count()
		expected += c.expected()
	}
	return filled, expected
}

// Plan computes the pool layout without allocating. It leaves the Builder
// accumulating.
func (b *Builder) Plan() (*Plan, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}
	items, err := b.items()
	if err != nil {
		return nil, err
	}
	return PlanLayout(b.dev, items)
}

// Build plans, allocates and loads the pool, blocking until every copy has
// completed. Any failure is final: the pool is released and the Builder
// cannot be retried.
func (b *Builder) Build(ctx context.Context) (*State, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}
	start := time.Now()

	b.phase = planning
	items, err := b.items()
	if err != nil {
		return nil, b.fail(err)
	}
	transforms, err := b.resolve(items)
	if err != nil {
		return nil, b.fail(err)
	}
	plan, err := PlanLayout(b.dev, items)
	if err != nil {
		return nil, b.fail(err)
	}
	b.log.Info("layout planned", "slots", len(plan.Slots), "pool_bytes", plan.Total, "data_bytes", plan.DataBytes())

	pool, err := b.dev.Allocate(plan.Total, b.id)
	if err != nil {
		if loaderr.KindOf(err) == 0 {
			err = loaderr.Wrap(loaderr.AllocationFailure, "", err)
		}
		return nil, b.fail(err)
	}

	b.phase = loading
	l := &loader{
		dev:         b.dev,
		pool:        pool,
		plan:        plan,
		transforms:  transforms,
		batchSize:   b.opts.batchSize,
		concurrency: b.opts.readConcurrency,
		log:         b.log,
		readFn:      b.read,
	}
	if err := l.run(ctx); err != nil {
		pool.Release()
		return nil, b.fail(err)
	}

	b.phase = ready
	st := newState(b.id, b.dev, pool, plan, len(b.layers))
	for _, c := range b.collectors() {
		for _, e := range c.ties() {
			st.tie(c.layer, e.Name, e.TiedTo)
		}
	}
	b.log.Info("state dict loaded", "summary", st.Summary(), "elapsed", time.Since(start))
	return st, nil
}

// collectors is the base group followed by the layers in ascending order.
func (b *Builder) collectors() []*collector {
	return append([]*collector{b.base}, b.layers...)
}

// items lists every filled slot: base entries, then layers ascending, each in
// declaration order. Empty tied slots take no space of their own.
func (b *Builder) items() ([]Item, error) {
	var items []Item
	for _, c := range b.collectors() {
		descs, err := c.complete()
		if err != nil {
			return nil, err
		}
		for i, d := range descs {
			if d == nil {
				continue
			}
			items = append(items, Item{Entry: c.entries[i], Layer: c.layer, Desc: d})
		}
	}
	return items, nil
}

// resolve looks up every named transform before the pool is allocated.
func (b *Builder) resolve(items []Item) ([]device.Transform, error) {
	out := make([]device.Transform, len(items))
	cache := make(map[string]device.Transform)
	for i, it := range items {
		name := it.Entry.Transform
		if name == "" {
			continue
		}
		t, ok := cache[name]
		if !ok {
			if b.opts.resolver == nil {
				return nil, loaderr.New(loaderr.UnknownPreprocessor, name,
					"device %s has no transforms", b.dev.Name()).WithLayer(it.Layer)
			}
			var err error
			if t, err = b.opts.resolver.Resolve(name); err != nil {
				var le *loaderr.Error
				if errors.As(err, &le) {
					return nil, le.WithLayer(it.Layer)
				}
				return nil, loaderr.Wrap(loaderr.UnknownPreprocessor, "", err).WithKey(name).WithLayer(it.Layer)
			}
			cache[name] = t
		}
		out[i] = t
	}
	return out, nil
}

func (b *Builder) usable() error {
	if b.phase != accumulating {
		return fmt.Errorf("%w (%s)", ErrBuilderConsumed, b.phase)
	}
	if b.err != nil {
		return fmt.Errorf("statedict: builder failed: %w", b.err)
	}
	return nil
}

func (b *Builder) fail(err error) error {
	b.err = err
	b.log.Debug("load failed", "phase", b.phase, "error", err)
	return err
}
