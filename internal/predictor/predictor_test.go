package predictor

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/AK47-U/Nifty-OB/internal/features"
	"github.com/AK47-U/Nifty-OB/types"
)

func featureIndex(t *testing.T, name string) int {
	t.Helper()
	for i, n := range features.Names {
		if n == name {
			return i
		}
	}
	t.Fatalf("feature %q not in schema", name)
	return -1
}

// atrModel splits once on atr_14: below 13 contributes down, above up
func atrModel(t *testing.T) *Model {
	t.Helper()
	return &Model{
		Version:      1,
		TrainedAt:    "2024-02-01T00:00:00Z",
		FeatureNames: features.Names[:],
		Trees: []tree{{Nodes: []node{
			{Feature: featureIndex(t, "atr_14"), Threshold: 13, Left: 1, Right: 2},
			{Leaf: true, Value: -1.2},
			{Leaf: true, Value: 0.9},
		}}},
	}
}

func loadModel(t *testing.T, m *Model) *Predictor {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	p := New()
	if err := p.Load(bytes.NewReader(data)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestPredictBeforeLoad(t *testing.T) {
	p := New()
	_, err := p.Predict(&features.Vector{})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("err = %v, want ErrModelNotLoaded", err)
	}
	if p.Loaded() {
		t.Error("Loaded must be false before Load")
	}
}

func TestSchemaLengthMismatch(t *testing.T) {
	m := atrModel(t)
	m.FeatureNames = m.FeatureNames[:features.Count-1]
	data, _ := json.Marshal(m)

	err := New().Load(bytes.NewReader(data))
	if !errors.Is(err, ErrFeatureSchemaMismatch) {
		t.Errorf("err = %v, want ErrFeatureSchemaMismatch", err)
	}
}

func TestSchemaOrderMismatch(t *testing.T) {
	m := atrModel(t)
	names := make([]string, features.Count)
	copy(names, m.FeatureNames)
	names[0], names[1] = names[1], names[0]
	m.FeatureNames = names
	data, _ := json.Marshal(m)

	err := New().Load(bytes.NewReader(data))
	if !errors.Is(err, ErrFeatureSchemaMismatch) {
		t.Errorf("err = %v, want ErrFeatureSchemaMismatch", err)
	}
}

func TestChildIndexValidation(t *testing.T) {
	m := atrModel(t)
	m.Trees[0].Nodes[0].Right = 99
	data, _ := json.Marshal(m)

	if err := New().Load(bytes.NewReader(data)); err == nil {
		t.Error("out-of-range child index must fail validation")
	}
}

func TestPredictDirections(t *testing.T) {
	p := loadModel(t, atrModel(t))

	up := &features.Vector{}
	up.Set("atr_14", 17)
	pred, err := p.Predict(up)
	if err != nil {
		t.Fatal(err)
	}
	if pred.Direction != types.DirectionBuy {
		t.Errorf("direction = %s, want BUY", pred.Direction)
	}
	wantUp := 1 / (1 + math.Exp(-0.9))
	if math.Abs(pred.UpProb-wantUp) > 1e-9 {
		t.Errorf("up prob = %v, want %v", pred.UpProb, wantUp)
	}
	if math.Abs(pred.Confidence-100*wantUp) > 1e-9 {
		t.Errorf("confidence = %v, want %v", pred.Confidence, 100*wantUp)
	}

	down := &features.Vector{}
	down.Set("atr_14", 5)
	pred, err = p.Predict(down)
	if err != nil {
		t.Fatal(err)
	}
	if pred.Direction != types.DirectionSell {
		t.Errorf("direction = %s, want SELL", pred.Direction)
	}
	if pred.Confidence != 100*pred.DownProb {
		t.Errorf("confidence = %v, want 100*down prob %v", pred.Confidence, 100*pred.DownProb)
	}
	if math.Abs(pred.UpProb+pred.DownProb-1) > 1e-12 {
		t.Errorf("probabilities sum to %v, want 1", pred.UpProb+pred.DownProb)
	}
}

func TestMultipleTreesAccumulate(t *testing.T) {
	m := atrModel(t)
	m.Trees = append(m.Trees, tree{Nodes: []node{
		{Feature: featureIndex(t, "rsi_14"), Threshold: 50, Left: 1, Right: 2},
		{Leaf: true, Value: -0.4},
		{Leaf: true, Value: 0.4},
	}})
	p := loadModel(t, m)

	v := &features.Vector{}
	v.Set("atr_14", 17)
	v.Set("rsi_14", 58)
	pred, err := p.Predict(v)
	if err != nil {
		t.Fatal(err)
	}
	wantUp := 1 / (1 + math.Exp(-(0.9 + 0.4)))
	if math.Abs(pred.UpProb-wantUp) > 1e-9 {
		t.Errorf("up prob = %v, want %v", pred.UpProb, wantUp)
	}
}

func TestLoadFile(t *testing.T) {
	data, err := json.Marshal(atrModel(t))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	p := New()
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !p.Loaded() {
		t.Error("Loaded must be true after LoadFile")
	}

	if err := New().LoadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing artifact must fail")
	}
}
