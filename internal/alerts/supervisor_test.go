package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type recordingTransport struct {
	mux  sync.Mutex
	sent []Alert
	err  error
}

func (r *recordingTransport) Name() string {
	return "recording"
}

func (r *recordingTransport) Send(_ context.Context, alert Alert) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.sent = append(r.sent, alert)
	return r.err
}

func (r *recordingTransport) count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.sent)
}

func (r *recordingTransport) last() Alert {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.sent[len(r.sent)-1]
}

func TestNotifyCooldownSuppressesDuplicate(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{NodeAddress: "addr_test1node"}, []Transport{rec})
	ctx := context.Background()

	sup.Notify(ctx, CategoryChainRead, "utxo fetch failed")
	sup.Notify(ctx, CategoryChainRead, "utxo fetch failed again")

	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1 (duplicate suppressed)", got)
	}

	// A different category is not affected by the chain_read cooldown.
	sup.Notify(ctx, CategoryChainSubmit, "tx rejected")
	if got := rec.count(); got != 2 {
		t.Fatalf("delivered %d alerts, want 2", got)
	}
	if got := rec.last().Category; got != CategoryChainSubmit {
		t.Errorf("last category = %s, want %s", got, CategoryChainSubmit)
	}
}

func TestNotifyFiresAgainAfterCooldown(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{Cooldown: 10 * time.Millisecond}, []Transport{rec})
	ctx := context.Background()

	sup.Notify(ctx, CategoryNoData, "no valid quotes")
	time.Sleep(25 * time.Millisecond)
	sup.Notify(ctx, CategoryNoData, "no valid quotes")

	if got := rec.count(); got != 2 {
		t.Fatalf("delivered %d alerts, want 2 after cooldown expiry", got)
	}
}

func TestNotifyOnceNeverRepeats(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{Cooldown: time.Millisecond}, []Transport{rec})
	ctx := context.Background()

	sup.NotifyOnce(ctx, CategoryUnauthorized, "node key not authorized")
	time.Sleep(5 * time.Millisecond)
	sup.NotifyOnce(ctx, CategoryUnauthorized, "node key not authorized")

	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want exactly 1", got)
	}
}

func TestRewardOutcomeExemptFromCooldown(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{}, []Transport{rec})
	ctx := context.Background()

	sup.NotifyRewardOutcome(ctx, "collected 100 fee tokens")
	sup.NotifyRewardOutcome(ctx, "reward collection failed: tx rejected")

	if got := rec.count(); got != 2 {
		t.Fatalf("delivered %d reward outcomes, want 2", got)
	}
}

func TestTransportFailureDoesNotFailOthers(t *testing.T) {
	failing := &recordingTransport{err: errors.New("connection refused")}
	healthy := &recordingTransport{}
	sup := NewSupervisor(Config{}, []Transport{failing, healthy})

	sup.Notify(context.Background(), CategoryLowNodeBalance, "balance low")

	if got := healthy.count(); got != 1 {
		t.Fatalf("healthy transport got %d alerts, want 1", got)
	}
	if got := failing.count(); got != 1 {
		t.Fatalf("failing transport got %d attempts, want 1", got)
	}
}

func TestCheckNodeBalance(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{}, []Transport{rec})
	ctx := context.Background()

	sup.CheckNodeBalance(ctx, 50_000_000) // exactly at the 50 ADA floor
	if got := rec.count(); got != 0 {
		t.Fatalf("alert fired at the floor, want none")
	}

	sup.CheckNodeBalance(ctx, 49_999_999)
	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1 below the floor", got)
	}
	if got := rec.last().Category; got != CategoryLowNodeBalance {
		t.Errorf("category = %s, want %s", got, CategoryLowNodeBalance)
	}
}

func TestCheckFeeTokenBalance(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{MinFeeTokenUnits: 200}, []Transport{rec})
	ctx := context.Background()

	sup.CheckFeeTokenBalance(ctx, 200)
	sup.CheckFeeTokenBalance(ctx, 199)

	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1", got)
	}
}

func TestCheckAggregateLiveness(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{}, []Transport{rec})
	ctx := context.Background()

	// 105% of 600s is 630s; the deadline itself is still healthy.
	sup.CheckAggregateLiveness(ctx, 1_630_000, 1_000_000, 600_000)
	if got := rec.count(); got != 0 {
		t.Fatalf("alert fired at the deadline, want none")
	}

	sup.CheckAggregateLiveness(ctx, 1_630_001, 1_000_000, 600_000)
	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1 past the deadline", got)
	}
}

func TestCheckNodeUpdateLivenessDeferringExtension(t *testing.T) {
	ctx := context.Background()

	// 105% of 300s is 315s, so at now=1_400_000 the plain window has
	// lapsed. A node deferring to the aggregate at 1_600_000 gets until
	// 1_720_000 before the alert fires.
	nowMs := int64(1_400_000)
	lastUpdateMs := int64(1_000_000)
	nextAggMs := int64(1_600_000)

	rec := &recordingTransport{}
	sup := NewSupervisor(Config{}, []Transport{rec})
	sup.CheckNodeUpdateLiveness(ctx, nowMs, lastUpdateMs, 300_000, true, nextAggMs)
	if got := rec.count(); got != 0 {
		t.Fatalf("alert fired while deferring, want none until %d", nextAggMs+deferGrace.Milliseconds())
	}

	sup.CheckNodeUpdateLiveness(ctx, nowMs, lastUpdateMs, 300_000, false, 0)
	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1 when not deferring", got)
	}

	// Past the extended deadline the alert fires even while deferring.
	rec2 := &recordingTransport{}
	sup2 := NewSupervisor(Config{}, []Transport{rec2})
	sup2.CheckNodeUpdateLiveness(ctx, 1_720_001, lastUpdateMs, 300_000, true, nextAggMs)
	if got := rec2.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1 past the extended deadline", got)
	}
}

func TestCheckSourceCount(t *testing.T) {
	rec := &recordingTransport{}
	sup := NewSupervisor(Config{MinRequirement: true}, []Transport{rec})
	ctx := context.Background()

	sup.CheckSourceCount(ctx, "base", 3)
	if got := rec.count(); got != 0 {
		t.Fatalf("alert fired with enough sources, want none")
	}

	sup.CheckSourceCount(ctx, "base", 2)
	if got := rec.count(); got != 1 {
		t.Fatalf("delivered %d alerts, want 1 below the minimum", got)
	}

	// min_requirement=false disables the check entirely.
	recOff := &recordingTransport{}
	supOff := NewSupervisor(Config{MinRequirement: false}, []Transport{recOff})
	supOff.CheckSourceCount(ctx, "base", 0)
	if got := recOff.count(); got != 0 {
		t.Fatalf("alert fired with min_requirement off, want none")
	}
}
