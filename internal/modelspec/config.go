package modelspec

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// hfConfig is the subset of a Hugging Face Mamba config.json this loader reads.
type hfConfig struct {
	ModelType  string `json:"model_type"`
	DModel     int    `json:"d_model"`
	HiddenSize int    `json:"hidden_size"`
	NLayer     int    `json:"n_layer"`
	NumLayers  int    `json:"num_hidden_layers"`
	VocabSize  int    `json:"vocab_size"`
	PadVocab   int    `json:"pad_vocab_size_multiple"`

	TieWordEmbeddings *bool `json:"tie_word_embeddings"`
	TieEmbeddings     *bool `json:"tie_embeddings"`

	// Newer configs flatten ssm_cfg into the top level.
	StateSize   int `json:"state_size"`
	ConvKernel  int `json:"conv_kernel"`
	Expand      int `json:"expand"`
	TimeStepRnk any `json:"time_step_rank"`

	SSMCfg struct {
		DState int `json:"d_state"`
		DConv  int `json:"d_conv"`
		Expand int `json:"expand"`
		DTRank any `json:"dt_rank"`
	} `json:"ssm_cfg"`
}

const (
	defaultExpand     = 2
	defaultStateDim   = 16
	defaultConvKernel = 4
	defaultPadVocab   = 8
)

// ParseConfig decodes a Mamba config.json into hyperparameters, filling the
// same defaults the reference Mamba block uses for absent fields.
func ParseConfig(raw []byte) (Hyperparams, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Hyperparams{}, fmt.Errorf("parse config.json: %w", err)
	}
	dModel := firstPositive(cfg.DModel, cfg.HiddenSize)
	if dModel <= 0 {
		return Hyperparams{}, fmt.Errorf("config.json: d_model must be set")
	}
	layers := firstPositive(cfg.NLayer, cfg.NumLayers)
	if layers <= 0 {
		return Hyperparams{}, fmt.Errorf("config.json: n_layer must be set")
	}
	if cfg.VocabSize <= 0 {
		return Hyperparams{}, fmt.Errorf("config.json: vocab_size must be set")
	}

	expand := firstPositive(cfg.SSMCfg.Expand, cfg.Expand, defaultExpand)
	dtRank, err := resolveDTRank(dModel, firstNonNil(cfg.SSMCfg.DTRank, cfg.TimeStepRnk))
	if err != nil {
		return Hyperparams{}, err
	}

	return Hyperparams{
		VocabSize:  padVocab(cfg.VocabSize, firstPositive(cfg.PadVocab, defaultPadVocab)),
		ModelDim:   dModel,
		InnerDim:   expand * dModel,
		StateDim:   firstPositive(cfg.SSMCfg.DState, cfg.StateSize, defaultStateDim),
		ConvKernel: firstPositive(cfg.SSMCfg.DConv, cfg.ConvKernel, defaultConvKernel),
		DTRank:     dtRank,
		Layers:     layers,

		TieEmbeddings: tied(cfg),
	}, nil
}

// tied reads whichever tie flag is present. Hugging Face Mamba configs tie
// by default; the older state-spaces configs without a flag do not.
func tied(cfg hfConfig) bool {
	switch {
	case cfg.TieWordEmbeddings != nil:
		return *cfg.TieWordEmbeddings
	case cfg.TieEmbeddings != nil:
		return *cfg.TieEmbeddings
	default:
		return cfg.ModelType == "mamba"
	}
}

// LoadConfig reads and parses a config.json file.
func LoadConfig(path string) (Hyperparams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Hyperparams{}, err
	}
	return ParseConfig(raw)
}

// resolveDTRank accepts "auto", an integer, or nothing.
func resolveDTRank(dModel int, v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return autoDTRank(dModel), nil
	case string:
		if x == "auto" || x == "" {
			return autoDTRank(dModel), nil
		}
		return 0, fmt.Errorf("config.json: unsupported dt_rank %q", x)
	case float64:
		if x <= 0 || x != float64(int(x)) {
			return 0, fmt.Errorf("config.json: invalid dt_rank %v", x)
		}
		return int(x), nil
	default:
		return 0, fmt.Errorf("config.json: unsupported dt_rank type %T", v)
	}
}

func autoDTRank(dModel int) int {
	return (dModel + 15) / 16
}

func padVocab(vocab, multiple int) int {
	if rem := vocab % multiple; rem != 0 {
		vocab += multiple - rem
	}
	return vocab
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// presetDims are the published d_model/n_layer pairs of state-spaces/mamba-*.
var presetDims = map[string][2]int{
	"mamba-130m":        {768, 24},
	"mamba-370m":        {1024, 48},
	"mamba-790m":        {1536, 48},
	"mamba-1.4b":        {2048, 48},
	"mamba-2.8b":        {2560, 64},
	"mamba-2.8b-slimpj": {2560, 64},
}

const presetVocab = 50277

// Preset returns hyperparameters for a published checkpoint, for converted
// directories that do not carry a config.json.
func Preset(name string) (Hyperparams, bool) {
	dims, ok := presetDims[name]
	if !ok {
		return Hyperparams{}, false
	}
	return Hyperparams{
		VocabSize:  padVocab(presetVocab, defaultPadVocab),
		ModelDim:   dims[0],
		InnerDim:   defaultExpand * dims[0],
		StateDim:   defaultStateDim,
		ConvKernel: defaultConvKernel,
		DTRank:     autoDTRank(dims[0]),
		Layers:     dims[1],
	}, true
}

// Presets lists the known preset names in order.
func Presets() []string {
	out := make([]string, 0, len(presetDims))
	for name := range presetDims {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
