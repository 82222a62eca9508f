package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/types"
)

var (
	// ErrModelNotLoaded is returned by Predict before a successful Load
	ErrModelNotLoaded = errors.New("model artifact not loaded")
	// ErrFeatureSchemaMismatch is returned when the artifact was trained
	// on a different feature list than the engine computes
	ErrFeatureSchemaMismatch = errors.New("model feature schema does not match engine schema")
)

// node is one decision node in a boosted tree. Internal nodes route on
// value < threshold; leaves carry the additive score contribution.
type node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

// tree is a flat node array; index 0 is the root
type tree struct {
	Nodes []node `json:"nodes"`
}

// Model is the serialized gradient-boosted classifier artifact. Leaf
// values already include the learning rate; the up-probability is the
// sigmoid of base_score plus the summed leaf contributions.
type Model struct {
	Version      int      `json:"version"`
	TrainedAt    string   `json:"trained_at"`
	FeatureNames []string `json:"feature_names"`
	BaseScore    float64  `json:"base_score"`
	Trees        []tree   `json:"trees"`
}

// Predictor holds one loaded model.
// IMPORTANT: The artifact is immutable after a successful Load and may be
// shared across goroutines without locking. Load before starting the
// scheduler.
type Predictor struct {
	model *Model
	path  string
}

func New() *Predictor {
	return &Predictor{}
}

// LoadFile reads and validates a model artifact from disk
func (p *Predictor) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()

	if err := p.Load(f); err != nil {
		return err
	}
	p.path = path
	log.Info().
		Str("path", path).
		Int("trees", len(p.model.Trees)).
		Str("trained_at", p.model.TrainedAt).
		Msg("Model artifact loaded")
	return nil
}

// Load parses and validates a model artifact
func (p *Predictor) Load(r io.Reader) error {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return fmt.Errorf("decode model artifact: %w", err)
	}

	if len(m.FeatureNames) != features.Count {
		return fmt.Errorf("%w: artifact has %d features, engine has %d",
			ErrFeatureSchemaMismatch, len(m.FeatureNames), features.Count)
	}
	for i, name := range m.FeatureNames {
		if name != features.Names[i] {
			return fmt.Errorf("%w: slot %d is %q, engine expects %q",
				ErrFeatureSchemaMismatch, i, name, features.Names[i])
		}
	}

	if len(m.Trees) == 0 {
		return errors.New("model artifact contains no trees")
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= features.Count {
				return fmt.Errorf("tree %d node %d routes on feature %d, outside schema", ti, ni, n.Feature)
			}
			if n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has child index out of range", ti, ni)
			}
		}
	}

	p.model = &m
	return nil
}

// Loaded reports whether a model is ready for inference
func (p *Predictor) Loaded() bool {
	return p.model != nil
}

// Predict scores the vector and returns direction plus calibrated
// confidence: 100 times the larger class probability.
func (p *Predictor) Predict(v *features.Vector) (types.Prediction, error) {
	if p.model == nil {
		return types.Prediction{}, ErrModelNotLoaded
	}

	values := v.Values()
	score := p.model.BaseScore
	for i := range p.model.Trees {
		score += p.model.Trees[i].eval(values)
	}

	upProb := sigmoid(score)
	downProb := 1 - upProb

	pred := types.Prediction{UpProb: upProb, DownProb: downProb}
	if upProb >= downProb {
		pred.Direction = types.DirectionBuy
		pred.Confidence = 100 * upProb
	} else {
		pred.Direction = types.DirectionSell
		pred.Confidence = 100 * downProb
	}
	return pred, nil
}

func (t *tree) eval(values []float64) float64 {
	n := t.Nodes[0]
	for !n.Leaf {
		if values[n.Feature] < n.Threshold {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
	}
	return n.Value
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
