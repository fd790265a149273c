// Package train runs the link prediction training loop: mini-batch
// positives with sampled negatives, BCE loss, parallel gradient computation,
// Adam updates, validation with early stopping, divergence handling and
// checkpointing.
package train

import (
	"fmt"

	"github.com/sanonone/linksage/pkg/core/vecmath"
	"github.com/sanonone/linksage/pkg/scorer"
)

// Config controls a training run.
type Config struct {
	Epochs       int     `yaml:"epochs" validate:"gt=0"`
	BatchSize    int     `yaml:"batch_size" validate:"gt=0"`
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	// GradClip is the maximum global gradient norm; 0 disables clipping.
	GradClip float64 `yaml:"grad_clip" validate:"gte=0"`
	// Negatives is the number of negatives drawn per positive edge.
	Negatives        int                     `yaml:"negatives" validate:"gte=1"`
	NegativeStrategy scorer.NegativeStrategy `yaml:"negative_strategy" validate:"omitempty,oneof=uniform degree"`
	// ValidationFraction of curated edges is held out for early stopping.
	ValidationFraction float64 `yaml:"validation_fraction" validate:"gte=0,lt=1"`
	Patience           int     `yaml:"patience" validate:"gte=1"`
	MinDelta           float64 `yaml:"min_delta" validate:"gte=0"`
	// MaxLoss marks a finite but exploding batch loss as divergence; 0 disables.
	MaxLoss float64 `yaml:"max_loss" validate:"gte=0"`
	// Workers is the number of gradient shards per batch; 0 uses GOMAXPROCS.
	Workers int    `yaml:"workers" validate:"gte=0"`
	Seed    uint64 `yaml:"seed"`

	CheckpointDir       string            `yaml:"checkpoint_dir"`
	CheckpointPrecision vecmath.Precision `yaml:"checkpoint_precision" validate:"omitempty,oneof=float32 float16"`
	KeepCheckpoints     int               `yaml:"keep_checkpoints" validate:"gte=0"`
}

// DefaultConfig returns the standard training settings.
func DefaultConfig() Config {
	return Config{
		Epochs:              50,
		BatchSize:           256,
		LearningRate:        0.01,
		GradClip:            5,
		Negatives:           5,
		NegativeStrategy:    scorer.UniformNegatives,
		ValidationFraction:  0.1,
		Patience:            5,
		MinDelta:            1e-4,
		MaxLoss:             1e6,
		Seed:                1,
		CheckpointPrecision: vecmath.Float32,
		KeepCheckpoints:     3,
	}
}

// Validate checks the settings a run depends on.
func (c Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive")
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive")
	case c.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive")
	case c.Negatives <= 0:
		return fmt.Errorf("negatives must be positive")
	case c.ValidationFraction < 0 || c.ValidationFraction >= 1:
		return fmt.Errorf("validation_fraction must be in [0,1)")
	case c.Patience <= 0:
		return fmt.Errorf("patience must be positive")
	}
	return nil
}
