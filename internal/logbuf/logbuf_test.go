package logbuf

import (
	"fmt"
	"testing"
)

func TestAppendTrimsToMaxKeepingNewest(t *testing.T) {
	m := NewManager(5)
	for i := 0; i < 12; i++ {
		m.Append("proj", "svc", fmt.Sprintf("line-%d", i))
	}
	buf := m.Buffer("proj", "svc")
	if len(buf) != 5 {
		t.Fatalf("buffer length = %d; want 5", len(buf))
	}
	for i, line := range buf {
		want := fmt.Sprintf("line-%d", 7+i)
		if line != want {
			t.Fatalf("buf[%d] = %q; want %q", i, line, want)
		}
	}
}

func TestAppendStaysBoundedAroundTrimThreshold(t *testing.T) {
	// The slack trim fires once the backing slice passes 2*max; the reader
	// view must cap at max newest lines on both sides of that threshold.
	for _, total := range []int{4, 5, 8, 9, 25} {
		m := NewManager(4)
		for i := 0; i < total; i++ {
			m.Append("proj", "svc", fmt.Sprintf("line-%d", i))
		}
		buf := m.Buffer("proj", "svc")
		wantLen := 4
		if total < wantLen {
			wantLen = total
		}
		if len(buf) != wantLen {
			t.Fatalf("after %d appends buffer length = %d; want %d", total, len(buf), wantLen)
		}
		for i, line := range buf {
			want := fmt.Sprintf("line-%d", total-wantLen+i)
			if line != want {
				t.Fatalf("after %d appends buf[%d] = %q; want %q", total, i, line, want)
			}
		}
	}
}

func TestBufferMissingKeyIsEmpty(t *testing.T) {
	m := NewManager(0)
	buf := m.Buffer("nope", "nothing")
	if buf == nil || len(buf) != 0 {
		t.Fatalf("missing key should yield empty slice, got %#v", buf)
	}
}

func TestClearResetsSingleKey(t *testing.T) {
	m := NewManager(10)
	m.Append("proj", "a", "one")
	m.Append("proj", "b", "two")
	m.Clear("proj", "a")
	if got := m.Buffer("proj", "a"); len(got) != 0 {
		t.Fatalf("cleared buffer not empty: %v", got)
	}
	if got := m.Buffer("proj", "b"); len(got) != 1 {
		t.Fatalf("sibling buffer affected: %v", got)
	}
}

func TestRegisterCleanupInvokesPreviousExactlyOnce(t *testing.T) {
	m := NewManager(10)
	first := 0
	second := 0
	m.RegisterCleanup("proj", "svc", func() { first++ })
	m.RegisterCleanup("proj", "svc", func() { second++ })
	if first != 1 {
		t.Fatalf("first cleanup invoked %d times; want 1", first)
	}
	if second != 0 {
		t.Fatalf("new cleanup invoked prematurely %d times", second)
	}
	m.CleanupProject("proj")
	if first != 1 {
		t.Fatalf("replaced cleanup ran again: %d", first)
	}
	if second != 1 {
		t.Fatalf("active cleanup not run on project teardown: %d", second)
	}
}

func TestCleanupProjectMatchesExactProjectID(t *testing.T) {
	m := NewManager(10)
	m.Append("project-12", "svc", "keep")
	m.Append("project-123", "svc", "drop")
	cleaned := false
	m.RegisterCleanup("project-12", "svc", func() { cleaned = true })

	m.CleanupProject("project-123")

	if got := m.Buffer("project-12", "svc"); len(got) != 1 {
		t.Fatalf("prefix project buffer was wrongly removed: %v", got)
	}
	if cleaned {
		t.Fatal("cleanup for prefix project id must not run")
	}
	if got := m.Buffer("project-123", "svc"); len(got) != 0 {
		t.Fatalf("target project buffer not removed: %v", got)
	}
}

func TestRunCleanupRemovesHook(t *testing.T) {
	m := NewManager(10)
	calls := 0
	m.RegisterCleanup("proj", "svc", func() { calls++ })
	m.RunCleanup("proj", "svc")
	m.RunCleanup("proj", "svc")
	if calls != 1 {
		t.Fatalf("cleanup ran %d times; want 1", calls)
	}
}
