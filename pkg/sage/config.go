// Package sage implements the GraphSAGE-style embedding engine: per-layer
// neighbor aggregation over sampled neighborhoods, and the matching backward
// pass used by the training loop.
package sage

import (
	"fmt"
	"strings"
)

// Aggregator names a neighbor aggregation function.
type Aggregator string

const (
	// Mean averages neighbor vectors.
	Mean Aggregator = "mean"
	// MaxPool applies a dense ReLU layer to every neighbor, then an
	// element-wise max.
	MaxPool Aggregator = "maxpool"
	// MeanPool is MaxPool with an element-wise mean.
	MeanPool Aggregator = "meanpool"
	// Sequential folds neighbors, sorted by id, through a tanh recurrent cell.
	// It is not permutation invariant; the fixed id order keeps it
	// deterministic.
	Sequential Aggregator = "sequential"
)

// ParseAggregator accepts the aggregator names plus "pool"/"lstm" aliases.
func ParseAggregator(s string) (Aggregator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mean":
		return Mean, nil
	case "maxpool", "max_pool", "pool":
		return MaxPool, nil
	case "meanpool", "mean_pool":
		return MeanPool, nil
	case "sequential", "lstm", "rnn":
		return Sequential, nil
	default:
		return "", fmt.Errorf("unknown aggregator %q", s)
	}
}

func (a Aggregator) pooled() bool { return a == MaxPool || a == MeanPool }

// Activation is applied after the layer's affine transform.
type Activation string

const (
	ReLU Activation = "relu"
	None Activation = "none"
)

// LayerConfig describes one aggregation layer.
type LayerConfig struct {
	OutputDim  int        `yaml:"output_dim" json:"output_dim" validate:"gt=0"`
	Fanout     int        `yaml:"fanout" json:"fanout" validate:"gt=0"`
	Aggregator Aggregator `yaml:"aggregator" json:"aggregator" validate:"omitempty,oneof=mean maxpool meanpool sequential"`
	// PoolDim is the hidden width of the pooling aggregators.
	PoolDim    int        `yaml:"pool_dim" json:"pool_dim,omitempty" validate:"gte=0"`
	Activation Activation `yaml:"activation" json:"activation" validate:"omitempty,oneof=relu none"`
	Normalize  bool       `yaml:"normalize" json:"normalize"`
}

// Config is the model architecture. Layers are listed outer to inner:
// Layers[0] produces the final embedding and samples the target's immediate
// neighbors with its fanout; the last layer consumes raw node features.
type Config struct {
	InputDim int           `yaml:"input_dim" json:"input_dim"`
	Layers   []LayerConfig `yaml:"layers" json:"layers" validate:"min=1,dive"`
}

// DefaultConfig is a two-layer mean model with fanouts 10 and 5.
func DefaultConfig(inputDim int) Config {
	return Config{
		InputDim: inputDim,
		Layers: []LayerConfig{
			{OutputDim: 32, Fanout: 10, Aggregator: Mean, Activation: None, Normalize: true},
			{OutputDim: 32, Fanout: 5, Aggregator: Mean, Activation: ReLU},
		},
	}
}

// OutputDim is the embedding width.
func (c Config) OutputDim() int {
	if len(c.Layers) == 0 {
		return c.InputDim
	}
	return c.Layers[0].OutputDim
}

// Fanouts lists per-hop fanouts, hop 1 first.
func (c Config) Fanouts() []int {
	out := make([]int, len(c.Layers))
	for i, l := range c.Layers {
		out[i] = l.Fanout
	}
	return out
}

// inDim is the width of the vectors layer l consumes.
func (c Config) inDim(l int) int {
	if l == len(c.Layers)-1 {
		return c.InputDim
	}
	return c.Layers[l+1].OutputDim
}

// aggDim is the width of layer l's neighbor aggregate.
func (c Config) aggDim(l int) int {
	if c.Layers[l].Aggregator.pooled() {
		return c.Layers[l].PoolDim
	}
	return c.inDim(l)
}

// WithDefaults returns a copy with empty aggregators, activations and pool
// widths filled in.
func (c Config) WithDefaults() Config {
	c.Layers = append([]LayerConfig(nil), c.Layers...)
	for i := range c.Layers {
		l := &c.Layers[i]
		if l.Aggregator == "" {
			l.Aggregator = Mean
		}
		if l.Activation == "" {
			l.Activation = ReLU
		}
		if l.Aggregator.pooled() && l.PoolDim == 0 {
			l.PoolDim = c.inDim(i)
		}
	}
	return c
}

// Validate checks the architecture.
func (c Config) Validate() error {
	if c.InputDim <= 0 {
		return fmt.Errorf("input_dim must be positive, got %d", c.InputDim)
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("at least one layer is required")
	}
	for i, l := range c.Layers {
		if l.OutputDim <= 0 {
			return fmt.Errorf("layer %d: output_dim must be positive", i)
		}
		if l.Fanout <= 0 {
			return fmt.Errorf("layer %d: fanout must be positive", i)
		}
		if _, ok := aggregators[l.Aggregator]; !ok {
			return fmt.Errorf("layer %d: unknown aggregator %q", i, l.Aggregator)
		}
		if l.Activation != ReLU && l.Activation != None {
			return fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}
		if l.Aggregator.pooled() && l.PoolDim <= 0 {
			return fmt.Errorf("layer %d: pool_dim must be positive for %s", i, l.Aggregator)
		}
	}
	return nil
}
