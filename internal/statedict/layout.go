package statedict

import (
	"math/bits"

	"github.com/samcharles93/shardpool/internal/loaderr"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
)

// Sizer is the part of a device the planner consults.
type Sizer interface {
	Requirements(size uint64) (alignedSize, align uint64)
}

// Item is one validated shard in load order.
type Item struct {
	Entry modelspec.Entry
	Layer int // loaderr.NoLayer for base parameters
	Desc  *shard.Descriptor
}

// Slot is an Item with its place in the pool.
type Slot struct {
	Item
	Offset      uint64
	AlignedSize uint64
}

// Plan is the full pool layout, fixed before any byte is copied.
type Plan struct {
	Total uint64
	Slots []Slot
}

// PlanLayout assigns offsets to items in the order given. Each slot reserves
// the device-reported size plus its low bits plus one extra alignment unit,
// so offsets stay aligned whenever the device reports aligned sizes.
func PlanLayout(dev Sizer, items []Item) (*Plan, error) {
	p := &Plan{Slots: make([]Slot, 0, len(items))}
	for _, it := range items {
		size, align := dev.Requirements(it.Desc.ByteSize)
		if align == 0 || align&(align-1) != 0 {
			return nil, loaderr.New(loaderr.AllocationFailure, it.Entry.Name,
				"device alignment %d is not a power of two", align).WithLayer(it.Layer)
		}
		if size < it.Desc.ByteSize {
			return nil, loaderr.New(loaderr.AllocationFailure, it.Entry.Name,
				"device reported %d bytes for a %d-byte tensor", size, it.Desc.ByteSize).WithLayer(it.Layer)
		}
		size += (size & (align - 1)) + align

		total, carry := bits.Add64(p.Total, size, 0)
		if carry != 0 {
			return nil, loaderr.New(loaderr.AllocationFailure, it.Entry.Name, "pool size overflows").WithLayer(it.Layer)
		}
		p.Slots = append(p.Slots, Slot{Item: it, Offset: p.Total, AlignedSize: size})
		p.Total = total
	}
	return p, nil
}

// DataBytes is the sum of the raw tensor sizes, without padding.
func (p *Plan) DataBytes() uint64 {
	var n uint64
	for _, s := range p.Slots {
		n += s.Desc.ByteSize
	}
	return n
}
