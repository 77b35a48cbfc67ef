package caps

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/model"
)

// usdt is a test helper for whole USDT at 6 decimals.
func usdt(whole uint64) amount.Amount {
	return amount.New(whole*1_000_000, 6)
}

// tok is a test helper for whole tokens at 18 decimals.
func tok(whole uint64) amount.Amount {
	a, err := amount.Parse(strconv.FormatUint(whole, 10), 18)
	if err != nil {
		panic(err)
	}
	return a
}

func testConfig() model.SaleConfig {
	return model.SaleConfig{
		Softcap:       usdt(300_000),
		Hardcap:       usdt(1_020_000),
		StartTime:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:       time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		ClaimTime:     time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		PresaleSupply: tok(10_000_000_000),
	}
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(testConfig(), model.SaleState{})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestNewTracker_InvalidCaps(t *testing.T) {
	cfg := testConfig()
	cfg.Softcap = usdt(2_000_000)
	if _, err := NewTracker(cfg, model.SaleState{}); !errors.Is(err, ErrInvalidCaps) {
		t.Errorf("expected ErrInvalidCaps for softcap > hardcap, got %v", err)
	}
	cfg = testConfig()
	cfg.Hardcap = amount.Zero(6)
	cfg.Softcap = amount.Zero(6)
	if _, err := NewTracker(cfg, model.SaleState{}); !errors.Is(err, ErrInvalidCaps) {
		t.Errorf("expected ErrInvalidCaps for zero hardcap, got %v", err)
	}
}

func TestReserve_UpToHardcapExactly(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.Reserve(tok(1), usdt(1_020_000)); err != nil {
		t.Fatalf("reservation equal to hardcap should be accepted: %v", err)
	}
	if _, err := tr.Reserve(tok(1), amount.New(1, 6)); !errors.Is(err, ErrHardcapExceeded) {
		t.Errorf("expected ErrHardcapExceeded, got %v", err)
	}
}

func TestReserve_IncrementsImmediately(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.Reserve(tok(1000), usdt(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := tr.Progress()
	if !p.FundsRaised.Equal(usdt(500)) || !p.Pending.Equal(usdt(500)) {
		t.Errorf("expected 500 raised and 500 pending, got %s and %s", p.FundsRaised, p.Pending)
	}
	if !p.TotalTokensSold.Equal(tok(1000)) {
		t.Errorf("expected 1000 tokens sold, got %s", p.TotalTokensSold)
	}
}

func TestReserve_SupplyBound(t *testing.T) {
	cfg := testConfig()
	cfg.PresaleSupply = tok(100)
	tr, err := NewTracker(cfg, model.SaleState{})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if _, err := tr.Reserve(tok(101), usdt(1)); !errors.Is(err, ErrSupplyExhausted) {
		t.Errorf("expected ErrSupplyExhausted, got %v", err)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("rejected reservation must not be held")
	}
}

func TestReserve_PrecisionMismatch(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.Reserve(tok(1), amount.New(1, 18)); !errors.Is(err, amount.ErrPrecisionMismatch) {
		t.Errorf("expected ErrPrecisionMismatch, got %v", err)
	}
}

func TestCommit_UsesActualAmounts(t *testing.T) {
	tr := newTestTracker(t)
	// Reserve the buffered estimate, settle with what the ledger charged.
	r, err := tr.Reserve(tok(1000), usdt(103))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Commit(r.ID, tok(1000), usdt(100)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p := tr.Progress()
	if !p.FundsRaised.Equal(usdt(100)) {
		t.Errorf("expected funds raised 100, got %s", p.FundsRaised)
	}
	if !p.Pending.IsZero() {
		t.Errorf("expected no pending, got %s", p.Pending)
	}
	if err := tr.Commit(r.ID, tok(1000), usdt(100)); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("expected ErrUnknownReservation on double commit, got %v", err)
	}
}

func TestRelease_RestoresCapacity(t *testing.T) {
	tr := newTestTracker(t)
	r, err := tr.Reserve(tok(1), usdt(1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.Reserve(tok(1), usdt(100_000)); !errors.Is(err, ErrHardcapExceeded) {
		t.Fatalf("expected ErrHardcapExceeded while reserved, got %v", err)
	}
	if err := tr.Release(r.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := tr.Reserve(tok(1), usdt(100_000)); err != nil {
		t.Errorf("capacity should be available after release: %v", err)
	}
	if err := tr.Release(uuid.New()); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("expected ErrUnknownReservation, got %v", err)
	}
}

// The ledger is authoritative: a sync lowers totals the mirror over-counted.
func TestSync_MatchesLedger(t *testing.T) {
	tr := newTestTracker(t)
	r, err := tr.Reserve(tok(1_000_000), usdt(102))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Commit(r.ID, tok(1_000_000), usdt(102)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tr.Sync(model.SaleState{FundsRaised: usdt(100), TotalTokensSold: tok(1_000_000)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	p := tr.Progress()
	if !p.FundsRaised.Equal(usdt(100)) {
		t.Errorf("expected mirror to match ledger 100, got %s", p.FundsRaised)
	}
	if !p.Remaining.Equal(usdt(1_019_900)) {
		t.Errorf("expected capacity restored to 1019900, got %s", p.Remaining)
	}
	if !p.TotalTokensSold.Equal(tok(1_000_000)) {
		t.Errorf("expected 1000000 tokens sold, got %s", p.TotalTokensSold)
	}
}

// A snapshot read before a commit may not include it.
func TestSyncSince_DropsSnapshotOlderThanCommit(t *testing.T) {
	tr := newTestTracker(t)
	epoch := tr.Epoch()
	r, err := tr.Reserve(tok(1_000), usdt(20_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Commit(r.ID, tok(1_000), usdt(20_000)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	applied, err := tr.SyncSince(epoch, model.SaleState{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if applied {
		t.Errorf("stale snapshot should not be applied")
	}
	if p := tr.Progress(); !p.FundsRaised.Equal(usdt(20_000)) {
		t.Errorf("stale snapshot rolled back a commit: %s", p.FundsRaised)
	}

	applied, err = tr.SyncSince(tr.Epoch(), model.SaleState{FundsRaised: usdt(20_000), TotalTokensSold: tok(1_000)})
	if err != nil || !applied {
		t.Fatalf("fresh snapshot not applied: %v", err)
	}
}

func TestSync_DeferredWhileReserved(t *testing.T) {
	tr := newTestTracker(t)
	r, err := tr.Reserve(tok(1), usdt(20_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Sync(model.SaleState{FundsRaised: usdt(1_000_000)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := tr.Progress().Remaining; !got.Equal(usdt(1_000_000)) {
		t.Errorf("expected sync held back while reserved, remaining %s", got)
	}
	if err := tr.Release(r.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := tr.Progress().Remaining; !got.Equal(usdt(20_000)) {
		t.Errorf("expected deferred sync applied after release, remaining %s", got)
	}
}

// The ledger can report a purchase before its reservation is committed.
func TestSync_NoDoubleCountWhileSettling(t *testing.T) {
	tr := newTestTracker(t)
	r, err := tr.Reserve(tok(1_000), usdt(20_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Sync(model.SaleState{FundsRaised: usdt(20_000), TotalTokensSold: tok(1_000)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := tr.Commit(r.ID, tok(1_000), usdt(20_000)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p := tr.Progress()
	if !p.FundsRaised.Equal(usdt(20_000)) {
		t.Errorf("expected 20000 raised, got %s", p.FundsRaised)
	}
	if !p.TotalTokensSold.Equal(tok(1_000)) {
		t.Errorf("expected 1000 tokens sold, got %s", p.TotalTokensSold)
	}
}

func TestSync_PrecisionMismatch(t *testing.T) {
	tr := newTestTracker(t)
	if err := tr.Sync(model.SaleState{FundsRaised: amount.New(1, 18)}); !errors.Is(err, amount.ErrPrecisionMismatch) {
		t.Errorf("expected ErrPrecisionMismatch, got %v", err)
	}
}

func TestProgress_Percent(t *testing.T) {
	tr := newTestTracker(t)
	if err := tr.Sync(model.SaleState{FundsRaised: usdt(510_000)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	p := tr.Progress()
	if p.Percent != 50 {
		t.Errorf("expected 50%%, got %d", p.Percent)
	}
	if p.PercentExact != "50.00" {
		t.Errorf("expected 50.00, got %s", p.PercentExact)
	}
	if err := tr.Sync(model.SaleState{FundsRaised: usdt(1_019_999)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if p := tr.Progress(); p.Percent != 99 || p.PercentExact != "99.99" {
		t.Errorf("expected truncated 99 / 99.99, got %d / %s", p.Percent, p.PercentExact)
	}
}

// Many goroutines race to reserve; the hard cap must never be overshot and
// exactly the capacity that fits must be granted.
func TestReserve_ConcurrentNeverOvershoots(t *testing.T) {
	tr := newTestTracker(t)
	const workers = 64
	const perWorker = 50
	// 3200 attempts of 1000 USDT against a 1,020,000 cap: exactly 1020 fit.
	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r, err := tr.Reserve(tok(10), usdt(1_000))
				if err != nil {
					if !errors.Is(err, ErrHardcapExceeded) {
						t.Errorf("unexpected error: %v", err)
					}
					rejected.Add(1)
					continue
				}
				accepted.Add(1)
				if err := tr.Commit(r.ID, r.Tokens, r.Value); err != nil {
					t.Errorf("commit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load() + rejected.Load(); got != workers*perWorker {
		t.Errorf("expected %d attempts, got %d", workers*perWorker, got)
	}
	if got := accepted.Load(); got != 1020 {
		t.Errorf("expected exactly 1020 accepted reservations, got %d", got)
	}
	p := tr.Progress()
	if p.FundsRaised.GreaterThan(p.Hardcap) {
		t.Fatalf("hardcap overshot: %s > %s", p.FundsRaised, p.Hardcap)
	}
	if !p.FundsRaised.Equal(p.Hardcap) {
		t.Errorf("expected cap exactly filled, got %s", p.FundsRaised)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("expected no outstanding reservations, got %d", tr.Outstanding())
	}
}

// Two purchases that each fit but together exceed the cap: exactly one wins.
func TestReserve_TwoConcurrentExactlyOneWins(t *testing.T) {
	for run := 0; run < 100; run++ {
		tr := newTestTracker(t)
		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := tr.Reserve(tok(1), usdt(600_000))
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		var ok, capped int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrHardcapExceeded):
				capped++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || capped != 1 {
			t.Fatalf("run %d: expected one success and one rejection, got %d/%d", run, ok, capped)
		}
	}
}
