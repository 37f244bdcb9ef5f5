package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func waitForCompaction(t *testing.T, c *Compactor, wantEnd int) *CompactedMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.GetCompaction(); got != nil && got.EndIndex >= wantEnd {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("compaction did not reach end_index %d in time", wantEnd)
	return nil
}

func TestCompactor_Cycle(t *testing.T) {
	m := NewMemory("test-session")
	m.RegisterRole("Planner")

	summarize := func(ctx context.Context, prev, content string) (string, error) {
		return fmt.Sprintf("summary(prev=%s)", prev), nil
	}

	c := NewCompactor("Planner", CompactorConfig{Threshold: 3, RetainRecent: 1}, summarize, func() []*Round {
		rounds, err := m.GetRoleRounds("Planner", false)
		if err != nil {
			return nil
		}
		return rounds
	})
	c.Start()
	defer c.Stop()

	m.RegisterCompactor("Planner", c)

	for i := 0; i < 5; i++ {
		round := m.CreateRound(fmt.Sprintf("query %d", i+1))
		post := NewPost(RoleUser)
		post.SendTo = "Planner"
		post.Message = fmt.Sprintf("query %d", i+1)
		if err := m.AppendPost(round.ID, post); err != nil {
			t.Fatalf("AppendPost() error = %v", err)
		}
	}

	got := waitForCompaction(t, c, 4)
	if got.StartIndex != 1 {
		t.Errorf("StartIndex = %v, want 1", got.StartIndex)
	}
	if got.EndIndex != 4 {
		t.Errorf("EndIndex = %v, want 4", got.EndIndex)
	}
	if got.Summary == "" {
		t.Error("Summary is empty")
	}
}

func TestCompactor_EndIndexMonotonic(t *testing.T) {
	m := NewMemory("test-session")
	m.RegisterRole("Planner")

	c := NewCompactor("Planner", CompactorConfig{Threshold: 2, RetainRecent: 1},
		func(ctx context.Context, prev, content string) (string, error) { return "s", nil },
		func() []*Round {
			rounds, _ := m.GetRoleRounds("Planner", false)
			return rounds
		})
	c.Start()
	defer c.Stop()
	m.RegisterCompactor("Planner", c)

	for i := 0; i < 4; i++ {
		m.CreateRound("q")
	}
	first := waitForCompaction(t, c, 3)

	for i := 0; i < 3; i++ {
		m.CreateRound("q")
	}
	second := waitForCompaction(t, c, 6)

	if second.EndIndex < first.EndIndex {
		t.Errorf("EndIndex decreased: %d -> %d", first.EndIndex, second.EndIndex)
	}
	if second.EndIndex > m.RoundCount()-1 {
		t.Errorf("EndIndex = %d, want <= total-retain_recent = %d", second.EndIndex, m.RoundCount()-1)
	}
}

func TestCompactor_FailureKeepsPrevious(t *testing.T) {
	m := NewMemory("test-session")
	m.RegisterRole("Planner")

	var fail atomic.Bool
	var calls atomic.Int32
	summarize := func(ctx context.Context, prev, content string) (string, error) {
		calls.Add(1)
		if fail.Load() {
			return "", errors.New("llm unavailable")
		}
		return "good summary", nil
	}

	c := NewCompactor("Planner", CompactorConfig{Threshold: 2, RetainRecent: 1}, summarize, func() []*Round {
		rounds, _ := m.GetRoleRounds("Planner", false)
		return rounds
	})
	c.Start()
	defer c.Stop()
	m.RegisterCompactor("Planner", c)

	for i := 0; i < 4; i++ {
		m.CreateRound("q")
	}
	first := waitForCompaction(t, c, 3)

	fail.Store(true)
	before := calls.Load()
	for i := 0; i < 3; i++ {
		m.CreateRound("q")
	}

	// Wait for at least one failing attempt, then confirm the summary held
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && calls.Load() == before {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	got := c.GetCompaction()
	if got == nil || got.EndIndex != first.EndIndex || got.Summary != first.Summary {
		t.Errorf("failed cycle changed compaction: got %+v, want %+v", got, first)
	}

	// Recovery on the next trigger
	fail.Store(false)
	m.CreateRound("q")
	waitForCompaction(t, c, first.EndIndex+1)
}

func TestCompactor_NoTriggerBelowThreshold(t *testing.T) {
	m := NewMemory("test-session")
	m.RegisterRole("Planner")

	var calls atomic.Int32
	c := NewCompactor("Planner", CompactorConfig{Threshold: 10, RetainRecent: 3},
		func(ctx context.Context, prev, content string) (string, error) {
			calls.Add(1)
			return "s", nil
		},
		func() []*Round {
			rounds, _ := m.GetRoleRounds("Planner", false)
			return rounds
		})
	c.Start()
	defer c.Stop()
	m.RegisterCompactor("Planner", c)

	for i := 0; i < 5; i++ {
		m.CreateRound("q")
	}
	time.Sleep(100 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("summarizer called %d times below threshold, want 0", calls.Load())
	}
	if c.GetCompaction() != nil {
		t.Error("GetCompaction() != nil below threshold")
	}
}
