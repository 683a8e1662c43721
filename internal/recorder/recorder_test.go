package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSQLiteRecorderRoundTrip(t *testing.T) {
	rec, err := OpenSQLite(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer rec.Close()
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	first := Record{ID: "d1", Serial: "emulator-5554", Package: "com.example.app", Mode: "auto",
		Strategy: "full_install", State: "completed", StartedAt: start, FinishedAt: start.Add(3 * time.Second)}
	second := Record{ID: "d2", Serial: "emulator-5554", Package: "com.example.app", Mode: "codeswap",
		Strategy: "code_swap", State: "failed", Outcome: "AGENT_UNRESPONSIVE", FailedStep: "swap",
		Error: "agent gone", ChangedPaths: []string{"classes.dex"}, FellBack: true,
		StartedAt: start.Add(time.Minute), FinishedAt: start.Add(time.Minute + time.Second)}
	other := Record{ID: "d3", Serial: "R58M", Package: "com.other", State: "completed", StartedAt: start}
	for _, r := range []Record{first, second, other} {
		if err := rec.Record(ctx, r); err != nil {
			t.Fatalf("Record %s: %v", r.ID, err)
		}
	}

	got, err := rec.Recent(ctx, "emulator-5554", "com.example.app", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d2" || got[1].ID != "d1" {
		t.Fatalf("unexpected history %+v", got)
	}
	if !got[0].FellBack || got[0].FailedStep != "swap" || len(got[0].ChangedPaths) != 1 || got[0].Succeeded() {
		t.Fatalf("fields not preserved: %+v", got[0])
	}
	if got[1].Duration() != 3*time.Second || !got[1].Succeeded() {
		t.Fatalf("unexpected duration %s", got[1].Duration())
	}
	if all, _ := rec.Recent(ctx, "", "", 0); len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if err := rec.Record(ctx, Record{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

type failingSink struct{ err error }

func (f failingSink) Name() string                         { return "failing" }
func (f failingSink) Record(context.Context, Record) error { return f.err }
func (f failingSink) Close() error                         { return nil }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{Noop{}, nil, failingSink{err: boom}}
	err := m.Record(context.Background(), Record{ID: "x"})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "failing record failed") {
		t.Fatalf("unexpected error %v", err)
	}
	if m.Name() != "noop+failing" {
		t.Fatalf("unexpected name %q", m.Name())
	}
	if err := (Multi{Noop{}}).Record(context.Background(), Record{}); err != nil {
		t.Fatalf("noop must not fail: %v", err)
	}
}

type fakeCreator struct {
	url    string
	fields map[string]any
}

func (f *fakeCreator) CreateRecord(_ context.Context, url string, fields map[string]any) (string, error) {
	f.url, f.fields = url, fields
	return "rec1", nil
}

func TestFeishuRecorderFields(t *testing.T) {
	creator := &fakeCreator{}
	r := &FeishuRecorder{client: creator, url: "https://x.feishu.cn/base/app?table=tbl"}
	start := time.UnixMilli(1_700_000_000_000)
	err := r.Record(context.Background(), Record{ID: "d1", Serial: "s", Package: "p", State: "failed",
		Outcome: "UPDATE_INCOMPATIBLE", ChangedPaths: []string{"a.dex", "b.dex"},
		StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if creator.fields[FieldOutcome] != "UPDATE_INCOMPATIBLE" || creator.fields[FieldChangedPaths] != "a.dex\nb.dex" {
		t.Fatalf("unexpected fields %v", creator.fields)
	}
	if _, ok := creator.fields[FieldFailedStep]; ok {
		t.Fatalf("empty values must be omitted")
	}
	if creator.fields[FieldElapsed] != 1.5 {
		t.Fatalf("unexpected elapsed %v", creator.fields[FieldElapsed])
	}
	if rec, err := NewFeishuRecorder(" "); rec != nil || err != nil {
		t.Fatalf("empty url must disable recorder")
	}
}
