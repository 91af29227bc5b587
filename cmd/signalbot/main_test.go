package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signalbot/internal/cadence"
	"signalbot/internal/consumer"
	"signalbot/internal/workitem"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
telegram:
  token: "123:abc"
storage:
  driver: sqlite
  path: %q
destinations:
  news: { chat_id: -1003 }
reconcile:
  journal_path: %q
`, filepath.Join(dir, "signalbot.db"), filepath.Join(dir, "failures.jsonl"))
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	out, err := run(t, "", "--config", path, "config", "check")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "ok (storage=sqlite, ledger=store)") {
		t.Fatalf("output = %q", out)
	}
}

func TestEnqueueThenStats(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	news := `[{"news":{"title":"Fed holds","summary":"Rates unchanged."}},{"news":{"title":"ECB cuts","url":"https://example.com/ecb"}}]`
	out, err := run(t, news, "--config", path, "enqueue", "news")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := strings.Count(out, "\tnews\tnews\n"); got != 2 {
		t.Fatalf("enqueue output = %q, want two news lines", out)
	}

	out, err = run(t, "", "--config", path, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"pending": 2`) {
		t.Fatalf("stats = %q, want pending 2", out)
	}
}

func TestEnqueueRejectsWholeBatch(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	news := `[{"news":{"title":"ok","summary":"s"}},{"news":{"title":""}}]`
	if _, err := run(t, news, "--config", path, "enqueue", "news"); err == nil {
		t.Fatalf("enqueue should reject an invalid item")
	}
	out, err := run(t, "", "--config", path, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if strings.Contains(out, "pending") {
		t.Fatalf("stats = %q, want nothing inserted", out)
	}
}

func TestEnqueueKindMismatch(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	if _, err := run(t, `{"kind":"news","news":{"title":"t","summary":"s"}}`, "--config", path, "enqueue", "signal"); err == nil {
		t.Fatalf("enqueue signal should reject a news payload")
	}
}

func TestRenderCadence(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	out := renderCadence([]cadence.EntryStatus{
		{Category: workitem.CategoryNews, Window: time.Hour, LastPublished: now.Add(-20 * time.Minute), NextAllowed: now.Add(40 * time.Minute)},
		{Category: workitem.CategoryFree, Window: 168 * time.Hour, Allowed: true},
	}, now)
	for _, want := range []string{"20 minutes ago", "40 minutes from now", "never", "168h0m0s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("renderCadence missing %q:\n%s", want, out)
		}
	}
}

func TestRenderReport(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	out := renderReport(consumer.Report{
		WorkerID:   "w1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Items: []consumer.ItemResult{
			{ItemID: "a", Kind: workitem.KindSignal, Category: workitem.CategoryPremium, Outcome: consumer.OutcomeSent, MessageID: 42},
			{ItemID: "b", Kind: workitem.KindSignal, Category: workitem.CategoryPremium, Outcome: consumer.OutcomeDeferred},
		},
	})
	if !strings.Contains(out, "2 item(s), 1 sent, 1 deferred") || !strings.Contains(out, "42") {
		t.Fatalf("renderReport = %q", out)
	}
}

func TestRenderStats(t *testing.T) {
	t.Parallel()
	out := renderStats(map[workitem.Status]int{workitem.StatusPending: 3, workitem.StatusPublished: 2})
	if !strings.Contains(out, "total") || !strings.Contains(out, "5") {
		t.Fatalf("renderStats = %q", out)
	}
}

func TestRequeueRejectsPendingItem(t *testing.T) {
	t.Parallel()
	path := writeConfig(t)
	out, err := run(t, `{"news":{"title":"Fed holds","summary":"s"}}`, "--config", path, "enqueue", "news")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id := strings.SplitN(out, "\t", 2)[0]

	_, err = run(t, "", "--config", path, "requeue", id)
	if err == nil || !strings.Contains(err.Error(), "cannot be requeued") {
		t.Fatalf("requeue pending err = %v, want not requeueable", err)
	}
	if _, err := run(t, "", "--config", path, "requeue"); err == nil {
		t.Fatal("requeue without ids should fail")
	}
}
