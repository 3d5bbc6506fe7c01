package feed

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chainfeed"
	"chainfeed/internal/adapter/fake"
	"chainfeed/internal/provider"
	"chainfeed/internal/truth"
)

// Tuesday 18:00 UTC = 14:00 US/Eastern, mid-session.
var openSession = time.Date(2025, 6, 3, 18, 0, 0, 0, time.UTC)

type stubProvider struct{ name string }

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) FetchChain(context.Context, string) (provider.RawPayload, error) {
	return provider.RawPayload(`{}`), nil
}

func stubFactory(name string) ProviderFactory {
	return func(truth.DataProvider) (provider.Entry, error) {
		return provider.Entry{
			Provider: &stubProvider{name: name},
			Normalize: func(provider.RawPayload) ([]chainfeed.OptionContract, int, error) {
				return []chainfeed.OptionContract{
					{ContractType: chainfeed.Call, Strike: 5900, Expiry: "2025-06-20"},
				}, 0, nil
			},
		}, nil
	}
}

func feedDoc() *truth.Document {
	return &truth.Document{
		Version: "v1.0.0",
		ChainFeed: truth.ChainFeedConfig{
			DefaultSymbols: []string{"SPX"},
			Raw:            truth.RawConfig{Enabled: true, IntervalSec: 5, TTLSec: 20},
		},
		Providers: truth.Providers{
			DataProviders: map[string]truth.DataProvider{
				"polygon": {Enabled: true, APIKey: "k"},
				"backup":  {Enabled: false},
			},
		},
		Mesh: truth.MeshConfig{HeartbeatIntervalSec: 2, MaxHeartbeatAgeSec: 5},
	}
}

func newOrchestrator(t *testing.T, at time.Time, doc *truth.Document) (*Orchestrator, *fake.Bus) {
	t.Helper()
	clock := fake.NewClock(at)
	b := fake.NewBus(clock)
	o := New(b, clock, doc, WithProviderFactory("polygon", stubFactory("polygon")))
	return o, b
}

func TestRegisterProviders(t *testing.T) {
	o, b := newOrchestrator(t, openSession, feedDoc())
	ctx := context.Background()

	if err := o.RegisterProviders(ctx); err != nil {
		t.Fatalf("RegisterProviders() error = %v", err)
	}
	if got := o.Providers().Names(); len(got) != 1 || got[0] != "polygon" {
		t.Errorf("registered = %v, want [polygon] (backup disabled)", got)
	}
	if status, err := b.Get(ctx, chainfeed.KeyProviderStatus("polygon")); err != nil || status != "connected" {
		t.Errorf("provider status = %q (%v), want connected", status, err)
	}
	if _, err := b.Get(ctx, chainfeed.KeyProviderMetadata("polygon")); err != nil {
		t.Errorf("provider metadata missing: %v", err)
	}
	if _, err := b.Get(ctx, chainfeed.KeyProviderStatus("backup")); err == nil {
		t.Error("disabled provider got a status key")
	}
}

func TestStartChainWorkers_SpawnsWhenMarketOpen(t *testing.T) {
	o, b := newOrchestrator(t, openSession, feedDoc())
	ctx := context.Background()

	if err := o.RegisterProviders(ctx); err != nil {
		t.Fatal(err)
	}
	o.StartChainWorkers(ctx)
	defer o.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Get(ctx, chainfeed.KeyChainRaw("SPX")); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := b.Get(ctx, chainfeed.KeyChainRaw("SPX")); err != nil {
		t.Fatalf("raw chain never published: %v", err)
	}

	raw, err := b.Get(ctx, chainfeed.KeyFeedValidation("SPX"))
	if err != nil {
		t.Fatalf("validation record: %v", err)
	}
	if !strings.Contains(raw, `"valid":true`) {
		t.Errorf("validation = %s, want valid", raw)
	}
}

func TestStartChainWorkers_SkipsClosedMarket(t *testing.T) {
	// Saturday.
	o, b := newOrchestrator(t, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC), feedDoc())
	ctx := context.Background()

	if err := o.RegisterProviders(ctx); err != nil {
		t.Fatal(err)
	}
	o.StartChainWorkers(ctx)
	o.Stop()

	raw, err := b.Get(ctx, chainfeed.KeyFeedValidation("SPX"))
	if err != nil {
		t.Fatalf("validation record: %v", err)
	}
	if !strings.Contains(raw, `"valid":false`) {
		t.Errorf("validation = %s, want invalid", raw)
	}
	if _, err := b.Get(ctx, chainfeed.KeyChainRaw("SPX")); err == nil {
		t.Error("chain worker ran despite closed market")
	}
}

func TestPublishRegistry(t *testing.T) {
	doc := feedDoc()
	doc.Providers.RSSFeeds = map[string]truth.RSSGroup{
		"news":     {Enabled: true, PollIntervalSec: 120},
		"disabled": {Enabled: false},
	}
	o, b := newOrchestrator(t, openSession, doc)
	ctx := context.Background()

	if err := o.RegisterProviders(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.PublishRegistry(ctx); err != nil {
		t.Fatalf("PublishRegistry() error = %v", err)
	}

	raw, err := b.Get(ctx, chainfeed.KeyFeedRegistry)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, "polygon") || !strings.Contains(raw, "SPX") {
		t.Errorf("feed registry = %s", raw)
	}
	rssRaw, err := b.Get(ctx, chainfeed.KeyRSSRegistry)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rssRaw, "news") || strings.Contains(rssRaw, "disabled") {
		t.Errorf("rss registry = %s, want enabled groups only", rssRaw)
	}
}

func TestSupervise_RestartBudget(t *testing.T) {
	o, b := newOrchestrator(t, openSession, feedDoc())
	ctx := context.Background()

	runs := make(chan struct{}, 16)
	o.spawn("boom", chainfeed.KeyFeedStatus("BOOM"), func(context.Context) {
		runs <- struct{}{}
		panic("worker exploded")
	})

	// Initial run plus 3 budgeted restarts.
	for i := 0; i < 4; i++ {
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker ran %d times, want 4", i)
		}
	}

	var status chainfeed.WorkerStatus
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := b.Get(ctx, chainfeed.KeyFeedStatus("BOOM"))
		if err == nil {
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				t.Fatal(err)
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.State != chainfeed.WorkerFailed {
		t.Fatalf("state = %q, want failed after budget exhausted", status.State)
	}

	select {
	case <-runs:
		t.Error("worker restarted past its budget")
	case <-time.After(100 * time.Millisecond):
	}
	o.Stop()

	// Stop must leave the failed record in place, not mark it stopped.
	raw, err := b.Get(ctx, chainfeed.KeyFeedStatus("BOOM"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != chainfeed.WorkerFailed {
		t.Errorf("state after Stop = %q, want failed preserved", status.State)
	}
}

func TestStop_JoinsWorkers(t *testing.T) {
	o, b := newOrchestrator(t, openSession, feedDoc())
	ctx := context.Background()
	stopped := make(chan struct{})
	o.spawn("chain:SPX", chainfeed.KeyFeedStatus("SPX"), func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	o.Stop()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() returned without the worker observing cancellation")
	}

	raw, err := b.Get(ctx, chainfeed.KeyFeedStatus("SPX"))
	if err != nil {
		t.Fatalf("status record after Stop: %v", err)
	}
	var status chainfeed.WorkerStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != chainfeed.WorkerStopped {
		t.Errorf("state = %q, want stopped on clean shutdown", status.State)
	}
}
