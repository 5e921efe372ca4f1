package modelspec

import "fmt"

// Param tags every logical parameter of the Mamba family.
type Param uint8

const (
	Embedding Param = iota
	NormF
	LMHead

	MixerALog
	MixerD
	MixerConvWeight
	MixerConvBias
	MixerInProj
	MixerXProj
	MixerDTProjWeight
	MixerDTProjBias
	MixerOutProj
	LayerNorm

	numParams
)

var paramNames = [numParams]string{
	Embedding:         "embedding.weight",
	NormF:             "norm_f.weight",
	LMHead:            "lm_head.weight",
	MixerALog:         "mixer.A_log",
	MixerD:            "mixer.D",
	MixerConvWeight:   "mixer.conv1d.weight",
	MixerConvBias:     "mixer.conv1d.bias",
	MixerInProj:       "mixer.in_proj.weight",
	MixerXProj:        "mixer.x_proj.weight",
	MixerDTProjWeight: "mixer.dt_proj.weight",
	MixerDTProjBias:   "mixer.dt_proj.bias",
	MixerOutProj:      "mixer.out_proj.weight",
	LayerNorm:         "norm.weight",
}

// String is the logical name the parameter is stored under.
func (p Param) String() string {
	if p < numParams {
		return paramNames[p]
	}
	return fmt.Sprintf("param(%d)", uint8(p))
}

// PerLayer reports whether p repeats once per block.
func (p Param) PerLayer() bool {
	return p >= MixerALog && p < numParams
}

// TransformNegExp turns A_log into A = -exp(A_log) before placement.
const TransformNegExp = "neg_exp"

func entry(p Param, transform string, shape ...Dim) Entry {
	return Entry{Name: p.String(), MatchKey: p.String(), Shape: shape, Transform: transform}
}

// Mamba returns the parameter table for a Mamba (S6) model with
// hyperparameters h. Keys are those produced by dissecting a
// state-spaces/mamba-* or Hugging Face MambaForCausalLM checkpoint with the
// "backbone." prefix stripped. The embedding matches both "embedding.weight"
// and "embeddings.weight"; with h.TieEmbeddings the head may be omitted.
func Mamba(h Hyperparams) *Spec {
	emb := entry(Embedding, "", D(VocabSize), D(ModelDim))
	emb.MatchKey = "embedding"
	head := entry(LMHead, "", D(VocabSize), D(ModelDim))
	if h.TieEmbeddings {
		head.TiedTo = emb.Name
	}
	return &Spec{
		Name:  "mamba",
		Hyper: h,
		Base: []Entry{
			emb,
			entry(NormF, "", D(ModelDim)),
			head,
		},
		Layer: []Entry{
			entry(MixerALog, TransformNegExp, D(InnerDim), D(StateDim)),
			entry(MixerD, "", D(InnerDim)),
			entry(MixerConvWeight, "", D(InnerDim), D(Unit), D(ConvKernel)),
			entry(MixerConvBias, "", D(InnerDim)),
			entry(MixerInProj, "", Scaled(2, InnerDim), D(ModelDim)),
			entry(MixerXProj, "", Sum(D(DTRank), Scaled(2, StateDim)), D(InnerDim)),
			entry(MixerDTProjWeight, "", D(InnerDim), D(DTRank)),
			entry(MixerDTProjBias, "", D(InnerDim)),
			entry(MixerOutProj, "", D(ModelDim), D(InnerDim)),
			entry(LayerNorm, "", D(ModelDim)),
		},
	}
}

// ForArch returns the table for a named architecture.
func ForArch(arch string, h Hyperparams) (*Spec, error) {
	switch arch {
	case "", "mamba":
		return Mamba(h), nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q (expected mamba)", arch)
	}
}
