package housekeeping

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"laterbot/internal/eventbus"
	"laterbot/internal/services/delivery"
	"laterbot/internal/storage"
	kit "laterbot/internal/transport"
	"laterbot/internal/uploads"
	logx "laterbot/pkg/logx"
)

type listerFunc func(ctx context.Context) ([]storage.Record, error)

func (f listerFunc) List(ctx context.Context) ([]storage.Record, error) { return f(ctx) }

func seed(t *testing.T, fs afero.Fs, path string, age time.Duration) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
	old := time.Now().Add(-age)
	if err := fs.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestRunOnceKeepsReferencedAndFresh(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	area := uploads.New(fs, "up")
	if err := fs.MkdirAll("up", 0o755); err != nil {
		t.Fatal(err)
	}
	seed(t, fs, "up/pending.pdf", 48*time.Hour)
	seed(t, fs, "up/orphan.pdf", 48*time.Hour)
	seed(t, fs, "up/fresh.pdf", time.Minute)

	store := listerFunc(func(context.Context) ([]storage.Record, error) {
		return []storage.Record{{ID: "a", FilePath: "up/pending.pdf"}, {ID: "b", Text: "hi"}}, nil
	})
	s := New(Config{MinAge: 24 * time.Hour}, store, area, logx.Nop())

	removed, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(removed) != 1 || removed[0] != "up/orphan.pdf" {
		t.Fatalf("unexpected removal: %v", removed)
	}
	for _, p := range []string{"up/pending.pdf", "up/fresh.pdf"} {
		if ok, _ := afero.Exists(fs, p); !ok {
			t.Fatalf("%s should be kept", p)
		}
	}
	h := s.History()
	if len(h) != 1 || h[0].Removed != 1 || h[0].Error != "" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false, Spec: "@every 1h"}, listerFunc(nil), uploads.New(afero.NewMemMapFs(), "up"), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	if running {
		t.Fatal("cron should not run while disabled")
	}
}

func TestApplyTogglesCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Spec: "@every 1h"}, listerFunc(nil), uploads.New(afero.NewMemMapFs(), "up"), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Apply(Config{Enabled: true, Spec: "@every 1h"}); err != nil {
		t.Fatalf("Apply enable: %v", err)
	}
	if !s.Enabled() {
		t.Fatal("expected enabled")
	}
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	if !running {
		t.Fatal("cron should run after enable")
	}
	if err := s.Apply(Config{Enabled: true, Spec: "not a spec"}); err == nil {
		t.Fatal("expected bad spec error")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}

type staticInFlight []string

func (s staticInFlight) InFlightFiles() []string { return s }

func TestRunOnceKeepsInFlightFiles(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	area := uploads.New(fs, "up")
	seed(t, fs, "up/sending.pdf", 48*time.Hour)
	seed(t, fs, "up/orphan.pdf", 48*time.Hour)

	empty := listerFunc(func(context.Context) ([]storage.Record, error) { return nil, nil })
	s := New(Config{MinAge: 24 * time.Hour}, empty, area, logx.Nop())
	s.TrackInFlight(staticInFlight{"up/sending.pdf"})

	removed, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(removed) != 1 || removed[0] != "up/orphan.pdf" {
		t.Fatalf("unexpected removal: %v", removed)
	}
	if ok, _ := afero.Exists(fs, "up/sending.pdf"); !ok {
		t.Fatal("in-flight upload was pruned")
	}
}

// pruningSender runs a prune while the recipient is being resolved, after
// the delivery has claimed its record, then checks the file at send time.
type pruningSender struct {
	fs    afero.Fs
	house *Service

	mu      sync.Mutex
	present bool
	sent    bool
}

func (p *pruningSender) ResolveRecipient(ctx context.Context, id int64) (kit.Recipient, error) {
	_, _ = p.house.RunOnce(ctx)
	return kit.Recipient{ID: id}, nil
}

func (p *pruningSender) SendText(context.Context, kit.ChatTarget, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (p *pruningSender) SendFile(_ context.Context, to kit.ChatTarget, path string, _ *kit.SendOptions) (kit.MessageRef, error) {
	ok, _ := afero.Exists(p.fs, path)
	p.mu.Lock()
	p.present, p.sent = ok, true
	p.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func TestPruneDuringClaimedFileDelivery(t *testing.T) {
	fs := afero.NewMemMapFs()
	area := uploads.New(fs, "up")
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	house := New(Config{MinAge: 24 * time.Hour}, st, area, logx.Nop())
	sender := &pruningSender{fs: fs, house: house}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := delivery.DefaultConfig()
	cfg.RatePerSec = 0
	// An old upload whose delivery is already due when the service starts.
	path, err := area.Save("report.pdf", strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := fs.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	rec := storage.Record{ID: storage.NewID(), DueAt: time.Now().Add(-time.Second), RecipientID: 9, FilePath: path}
	if err := st.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc := delivery.New(cfg, delivery.Deps{Store: st, Sender: sender, Uploads: area, Bus: bus})
	house.TrackInFlight(svc)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.TypeDelivered && e.Type != eventbus.TypeFailed {
				continue
			}
			sender.mu.Lock()
			present, sent := sender.present, sender.sent
			sender.mu.Unlock()
			if e.Type != eventbus.TypeDelivered || !sent || !present {
				t.Fatalf("event %s sent=%v file present at send=%v", e.Type, sent, present)
			}
			return
		case <-deadline:
			t.Fatal("delivery did not finish")
		}
	}
}
