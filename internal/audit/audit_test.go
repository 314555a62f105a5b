package audit

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 9, 30, 15, 0, time.UTC)
}

func TestAppendStampsLines(t *testing.T) {
	l := New()
	l.Now = fixedNow
	l.Append("SCANNING: Initiating sequence for: Deep cache cleanup")

	lines := l.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	want := "[09:30:15] SCANNING: Initiating sequence for: Deep cache cleanup"
	if lines[0] != want {
		t.Fatalf("line = %q, want %q", lines[0], want)
	}
}

func TestRingDropsOldest(t *testing.T) {
	l := New()
	l.Now = fixedNow
	for i := 0; i < Capacity+3; i++ {
		l.Appendf("line %d", i)
	}
	lines := l.Lines()
	if len(lines) != Capacity {
		t.Fatalf("expected %d lines, got %d", Capacity, len(lines))
	}
	if !strings.HasSuffix(lines[0], "line 3") {
		t.Fatalf("oldest retained line = %q, want suffix %q", lines[0], "line 3")
	}
	if !strings.HasSuffix(lines[Capacity-1], "line 8") {
		t.Fatalf("newest line = %q, want suffix %q", lines[Capacity-1], "line 8")
	}
}

func TestSubscribeSeesStampedLines(t *testing.T) {
	l := New()
	l.Now = fixedNow
	var got []string
	l.Subscribe(func(line string) { got = append(got, line) })

	l.Append("first")
	l.Append("second")

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[1] != "[09:30:15] second" {
		t.Fatalf("notification = %q", got[1])
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append("concurrent")
		}()
	}
	wg.Wait()
	if len(l.Lines()) != Capacity {
		t.Fatalf("expected full ring, got %d lines", len(l.Lines()))
	}
}
