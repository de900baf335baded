package ppo

import (
	"testing"
)

func TestTuneValidate(t *testing.T) {
	if err := (Tune{}).Validate(); err == nil {
		t.Fatalf("expected error for empty tune payload")
	}
	if err := (Tune{LearningRate: floatPtr(0)}).Validate(); err == nil {
		t.Fatalf("expected error for zero learning rate")
	}
	if err := (Tune{EntropyCoef: floatPtr(0.5)}).Validate(); err == nil {
		t.Fatalf("expected error for entropy_coef above 0.1")
	}
	if err := (Tune{ClipEpsilon: floatPtr(0.01)}).Validate(); err == nil {
		t.Fatalf("expected error for clip_epsilon below 0.05")
	}
	if err := (Tune{LearningRate: floatPtr(0.5), Notes: "slow down"}).Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestApplyTune(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.ApplyTune(Tune{LearningRate: floatPtr(1e-2), EntropyCoef: floatPtr(0.05), ClipEpsilon: floatPtr(0.1)}); err != nil {
		t.Fatalf("apply tune: %v", err)
	}
	cfg := a.Config()
	if cfg.PolicyLR != 1e-2 || a.piOpt.LR != 1e-2 {
		t.Errorf("policy learning rate not applied: cfg=%v opt=%v", cfg.PolicyLR, a.piOpt.LR)
	}
	if cfg.ValueLR != testConfig().ValueLR {
		t.Errorf("value learning rate changed to %v", cfg.ValueLR)
	}
	if cfg.EntropyCoef != 0.05 || cfg.ClipRatio != 0.1 {
		t.Errorf("unexpected config after tune: %+v", cfg)
	}

	if err := a.ApplyTune(Tune{ClipEpsilon: floatPtr(0.9)}); err == nil {
		t.Fatalf("expected invalid tune to be rejected")
	}
	if a.Config().ClipRatio != 0.1 {
		t.Errorf("rejected tune modified the agent")
	}
}

func floatPtr(v float64) *float64 { return &v }
