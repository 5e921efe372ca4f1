//go:build webgpu && windows

package webgpu

import (
	"fmt"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/samcharles93/shardpool/internal/device"
)

const workgroupSize = 256

// maxGroupsX is maxComputeWorkgroupsPerDimension under default limits.
const maxGroupsX = 65535

const negExpWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

struct Params {
    count: u32,
    row: u32,
}
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.y * params.row + id.x;
    if (i >= params.count) {
        return;
    }
    data[i] = -exp(data[i]);
}
`

// negExpTransform runs x = -exp(x) as a compute pass over f32 staging
// buffers. Half-precision buffers are still mapped at this point and are
// rewritten on the host instead, since shader-f16 is an optional feature.
type negExpTransform struct {
	dev *Device
}

func (t negExpTransform) Apply(b device.Batch, staging device.Buffer, el device.Element) error {
	s, ok := staging.(*stagingBuffer)
	if !ok {
		return fmt.Errorf("webgpu transform on %T staging buffer", staging)
	}
	if el.Wide16 {
		if s.mapped == nil {
			return fmt.Errorf("webgpu neg_exp: f16 staging buffer already unmapped")
		}
		return device.NegExp(s.mapped, el)
	}
	wb, ok := b.(*batch)
	if !ok {
		return fmt.Errorf("webgpu transform in %T batch", b)
	}
	if el.Count == 0 {
		return nil
	}
	if el.Count > 1<<32-1 {
		return fmt.Errorf("webgpu neg_exp: %d elements exceed u32 indexing", el.Count)
	}

	pipeline := t.dev.negExpPipeline()
	groups := (el.Count + workgroupSize - 1) / workgroupSize
	gx := min(groups, maxGroupsX)
	gy := (groups + gx - 1) / gx

	s.unmap()
	params := t.dev.uniform(uint32(el.Count), uint32(gx*workgroupSize))
	bg := t.dev.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, s.buf, 0, s.size),
		wgpu.BufferBindingEntry(1, params, 0, 16),
	})
	wb.keep(params.Release)
	wb.keep(bg.Release)

	pass := wb.encoder().BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(uint32(gx), uint32(gy), 1)
	pass.End()
	return nil
}

func (d *Device) negExpPipeline() *wgpu.ComputePipeline {
	d.negExpOnce.Do(func() {
		d.shader = d.device.CreateShaderModuleWGSL(negExpWGSL)
		d.negExp = d.device.CreateComputePipelineSimple(nil, d.shader, "main")
	})
	return d.negExp
}
