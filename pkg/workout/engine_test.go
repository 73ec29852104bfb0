package workout

import (
	"errors"
	"reflect"
	"testing"

	"timer-link/pkg/model"
)

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{Mode: "TABATA", TotalMinutes: 10},
		{Mode: model.ModeAMRAP},
		{Mode: model.ModeEMOM, TotalMinutes: 10},
		{Mode: model.ModeEMOM, TotalMinutes: 10, IntervalMinutes: 11},
	}
	for _, cfg := range bad {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}

func TestParseExercises(t *testing.T) {
	got := ParseExercises(" plank, snatch\n\nburpee ,")
	want := []string{"plank", "snatch", "burpee"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCountdownThenRunning(t *testing.T) {
	e := mustEngine(t, Config{Mode: model.ModeAMRAP, TotalMinutes: 1, Countdown: 3})
	if !e.Start() {
		t.Fatalf("start from idle must succeed")
	}
	if e.Start() {
		t.Fatalf("second start must be ignored")
	}
	snap := e.Snapshot()
	if snap.Phase != model.PhaseCountdown || snap.DisplaySeconds != 3 || snap.Exercise != nil {
		t.Fatalf("unexpected countdown snapshot %+v", snap)
	}
	if e.Tick() != None || e.Tick() != None {
		t.Fatalf("countdown ticks produce no event")
	}
	if e.Tick() != Started {
		t.Fatalf("expected Started after the countdown")
	}
	if snap := e.Snapshot(); snap.Phase != model.PhaseRunning || snap.DisplaySeconds != 60 {
		t.Fatalf("unexpected running snapshot %+v", snap)
	}
}

func TestEMOMBeepsAndRotatesExercises(t *testing.T) {
	e := mustEngine(t, Config{Mode: model.ModeEMOM, TotalMinutes: 3, IntervalMinutes: 1, Exercises: []string{"row", "bike"}, Countdown: 1})
	e.Start()
	e.Tick()
	if got := e.Snapshot(); got.Headline != "Minute 1" || got.ExerciseText() != "row" || got.DisplaySeconds != 60 {
		t.Fatalf("unexpected first minute %+v", got)
	}
	beeps := 0
	for i := 0; i < 60; i++ {
		if e.Tick() == Beep {
			beeps++
		}
	}
	if beeps != 1 {
		t.Fatalf("expected one beep per minute, got %d", beeps)
	}
	if got := e.Snapshot(); got.Headline != "Minute 2" || got.ExerciseText() != "bike" {
		t.Fatalf("unexpected second minute %+v", got)
	}
	for i := 0; i < 120; i++ {
		e.Tick()
	}
	if e.Tick() != Completed || e.State().Kind != Complete {
		t.Fatalf("expected completion after the total time")
	}
}

func TestForTimeCountsUpToCap(t *testing.T) {
	e := mustEngine(t, Config{Mode: model.ModeForTime, TotalMinutes: 1, Countdown: 1})
	e.Start()
	e.Tick()
	for i := 0; i < 45; i++ {
		e.Tick()
	}
	if got := e.Snapshot().DisplaySeconds; got != 45 {
		t.Fatalf("expected 45 elapsed, got %d", got)
	}
	var ev Event
	for ev != Completed {
		ev = e.Tick()
	}
	snap := e.Snapshot()
	if snap.Phase != model.PhaseComplete || snap.DisplaySeconds != 60 {
		t.Fatalf("unexpected completion snapshot %+v", snap)
	}
}

func TestAMRAPRoundsAndStop(t *testing.T) {
	e := mustEngine(t, Config{Mode: model.ModeAMRAP, TotalMinutes: 5, Countdown: 1})
	e.AddRound()
	e.Start()
	e.Tick()
	e.AddRound()
	e.AddRound()
	if got := e.Snapshot().Headline; got != "Round 2" {
		t.Fatalf("expected Round 2, got %q", got)
	}
	if !e.Stop() || e.Stop() {
		t.Fatalf("stop must report a change exactly once")
	}
	if snap := e.Snapshot(); !snap.IsIdle() {
		t.Fatalf("expected idle snapshot, got %+v", snap)
	}
}
