package resource

import (
	"context"
	"testing"
	"time"
)

func TestLevelForPct_Bands(t *testing.T) {
	th := Thresholds{WarnPct: 70, CriticalPct: 85, DangerPct: 95}
	cases := []struct {
		pct  float64
		want Level
	}{
		{50, LevelNormal},
		{70, LevelWarn},
		{84, LevelWarn},
		{85, LevelCritical},
		{94, LevelCritical},
		{95, LevelDanger},
		{99, LevelDanger},
	}
	for _, c := range cases {
		if got := levelForPct(c.pct, th); got != c.want {
			t.Errorf("levelForPct(%v) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestDefaultThresholds_ScalesOffMax(t *testing.T) {
	th := DefaultThresholds(90)
	if th.DangerPct != 90 {
		t.Fatalf("expected danger == max, got %v", th.DangerPct)
	}
	if th.WarnPct >= th.CriticalPct || th.CriticalPct >= th.DangerPct {
		t.Fatalf("expected strictly increasing thresholds, got %+v", th)
	}
}

type fakeCanceller struct {
	taskID string
	called int
}

func (c *fakeCanceller) CancelOldestActive(ctx context.Context) (string, bool) {
	c.called++
	return c.taskID, c.taskID != ""
}

type fakeShutdown struct {
	reasons []string
}

func (s *fakeShutdown) InitiateGracefulShutdown(ctx context.Context, reason string) {
	s.reasons = append(s.reasons, reason)
}

func TestAct_CriticalLevelRejectsAndCancelsOldest(t *testing.T) {
	canceller := &fakeCanceller{taskID: "t1"}
	m := New(Thresholds{}, Thresholds{}, time.Second, canceller, nil, nil)
	m.act(context.Background(), Sample{Level: LevelCritical})

	if m.CanAcceptNewTasks() {
		t.Fatal("expected admission closed at critical level")
	}
	if canceller.called != 1 {
		t.Fatalf("expected cancel called once, got %d", canceller.called)
	}
}

func TestAct_DangerLevelInitiatesShutdown(t *testing.T) {
	shutdown := &fakeShutdown{}
	m := New(Thresholds{}, Thresholds{}, time.Second, nil, shutdown, nil)
	m.act(context.Background(), Sample{Level: LevelDanger, MemoryPct: 97, CPUPct: 40})

	if m.CanAcceptNewTasks() {
		t.Fatal("expected admission closed at danger level")
	}
	if len(shutdown.reasons) != 1 {
		t.Fatalf("expected shutdown initiated once, got %d", len(shutdown.reasons))
	}
}

func TestAct_NormalLevelReopensAdmission(t *testing.T) {
	m := New(Thresholds{}, Thresholds{}, time.Second, nil, nil, nil)
	m.accepting.Store(false)
	m.act(context.Background(), Sample{Level: LevelNormal})

	if !m.CanAcceptNewTasks() {
		t.Fatal("expected admission reopened at normal level")
	}
}

func TestCPUPct_FirstSampleReturnsZeroDelta(t *testing.T) {
	m := New(Thresholds{}, Thresholds{}, time.Second, nil, nil, nil)
	pct, err := m.cpuPct()
	if err != nil {
		t.Fatalf("cpu sample: %v", err)
	}
	if pct < 0 || pct > 100 {
		t.Fatalf("expected pct in [0,100], got %v", pct)
	}
}
