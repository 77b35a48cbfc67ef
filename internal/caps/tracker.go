// Package caps tracks funds raised and tokens sold against the sale's hard
// cap and token supply.
//
// Capacity is claimed with a reserve/commit/release protocol. Reserve checks
// the cap and takes the capacity in one critical section, so two concurrent
// purchases can never both pass a check that neither has yet accounted for.
// The caller commits the reservation with the ledger's actual amounts once the
// ledger operation settles, or releases it if the operation fails.
package caps

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/model"
)

var (
	// ErrHardcapExceeded is returned when a reservation would push funds
	// raised past the hard cap.
	ErrHardcapExceeded = errors.New("caps: hardcap exceeded")

	// ErrSupplyExhausted is returned when a reservation would sell more
	// tokens than the presale supply.
	ErrSupplyExhausted = errors.New("caps: presale supply exhausted")

	// ErrUnknownReservation is returned when committing or releasing a
	// reservation that was never made or has already been settled.
	ErrUnknownReservation = errors.New("caps: unknown reservation")

	// ErrInvalidCaps is returned for a zero hard cap or softcap above it.
	ErrInvalidCaps = errors.New("caps: invalid cap configuration")
)

// Reservation is provisional capacity held against the caps.
type Reservation struct {
	ID        uuid.UUID
	Tokens    amount.Amount
	Value     amount.Amount
	CreatedAt time.Time
}

// Tracker enforces the hard cap and presale supply. Softcap is reported only.
type Tracker struct {
	mu sync.Mutex

	hardcap amount.Amount
	softcap amount.Amount
	supply  amount.Amount // zero means unbounded

	settledFunds  amount.Amount
	settledTokens amount.Amount
	pendingFunds  amount.Amount
	pendingTokens amount.Amount

	reservations map[uuid.UUID]Reservation
	deferred     *deferredState // ledger snapshot waiting for reservations to drain
	epoch        uint64         // commits so far
	now          func() time.Time
}

// NewTracker creates a tracker for the sale's caps, starting from state.
func NewTracker(cfg model.SaleConfig, state model.SaleState) (*Tracker, error) {
	if cfg.Hardcap.IsZero() {
		return nil, fmt.Errorf("%w: hardcap is zero", ErrInvalidCaps)
	}
	if cfg.Softcap.Decimals() != cfg.Hardcap.Decimals() {
		return nil, fmt.Errorf("%w: softcap and hardcap precision differ", ErrInvalidCaps)
	}
	if cfg.Softcap.GreaterThan(cfg.Hardcap) {
		return nil, fmt.Errorf("%w: softcap %s above hardcap %s", ErrInvalidCaps, cfg.Softcap, cfg.Hardcap)
	}
	t := &Tracker{
		hardcap:       cfg.Hardcap,
		softcap:       cfg.Softcap,
		supply:        cfg.PresaleSupply,
		settledFunds:  amount.Zero(cfg.Hardcap.Decimals()),
		settledTokens: amount.Zero(cfg.PresaleSupply.Decimals()),
		pendingFunds:  amount.Zero(cfg.Hardcap.Decimals()),
		pendingTokens: amount.Zero(cfg.PresaleSupply.Decimals()),
		reservations:  make(map[uuid.UUID]Reservation),
		now:           time.Now,
	}
	if err := t.Sync(state); err != nil {
		return nil, err
	}
	return t, nil
}

// Reserve takes capacity for a purchase of tokens worth value quote units.
// On success funds raised and tokens sold include the reservation until it
// is committed or released.
func (t *Tracker) Reserve(tokens, value amount.Amount) (Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	funds, err := t.totalFunds()
	if err != nil {
		return Reservation{}, err
	}
	newFunds, err := funds.Add(value)
	if err != nil {
		return Reservation{}, err
	}
	if newFunds.GreaterThan(t.hardcap) {
		return Reservation{}, fmt.Errorf("%w: %s raised + %s requested > %s", ErrHardcapExceeded, funds, value, t.hardcap)
	}

	sold, err := t.totalTokens()
	if err != nil {
		return Reservation{}, err
	}
	newSold, err := sold.Add(tokens)
	if err != nil {
		return Reservation{}, err
	}
	if !t.supply.IsZero() && newSold.GreaterThan(t.supply) {
		return Reservation{}, fmt.Errorf("%w: %s sold + %s requested > %s", ErrSupplyExhausted, sold, tokens, t.supply)
	}

	pendingFunds, err := t.pendingFunds.Add(value)
	if err != nil {
		return Reservation{}, err
	}
	pendingTokens, err := t.pendingTokens.Add(tokens)
	if err != nil {
		return Reservation{}, err
	}
	t.pendingFunds, t.pendingTokens = pendingFunds, pendingTokens
	r := Reservation{ID: uuid.New(), Tokens: tokens, Value: value, CreatedAt: t.now()}
	t.reservations[r.ID] = r
	return r, nil
}

// Commit settles a reservation with the amounts the ledger actually granted.
func (t *Tracker) Commit(id uuid.UUID, actualTokens, actualValue amount.Amount) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.take(id); err != nil {
		return err
	}
	funds, err := t.settledFunds.Add(actualValue)
	if err != nil {
		return err
	}
	sold, err := t.settledTokens.Add(actualTokens)
	if err != nil {
		return err
	}
	t.settledFunds, t.settledTokens = funds, sold
	t.epoch++
	t.applyDeferred()
	return nil
}

// Release undoes a reservation whose ledger operation failed.
func (t *Tracker) Release(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.take(id); err != nil {
		return err
	}
	t.applyDeferred()
	return nil
}

// take removes a reservation and its pending amounts. Caller holds mu.
func (t *Tracker) take(id uuid.UUID) (Reservation, error) {
	r, ok := t.reservations[id]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	pendingFunds, err := t.pendingFunds.Sub(r.Value)
	if err != nil {
		return Reservation{}, err
	}
	pendingTokens, err := t.pendingTokens.Sub(r.Tokens)
	if err != nil {
		return Reservation{}, err
	}
	delete(t.reservations, id)
	t.pendingFunds, t.pendingTokens = pendingFunds, pendingTokens
	return r, nil
}

// Epoch counts commits. Read it before fetching a ledger snapshot and pass
// it to SyncSince so a snapshot older than a commit is not applied.
func (t *Tracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// Sync replaces the settled totals with the ledger's authoritative state.
// The caller guarantees the snapshot was read after the last commit.
func (t *Tracker) Sync(state model.SaleState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.sync(t.epoch, state)
	return err
}

// SyncSince is Sync for a snapshot read when the commit count was epoch.
// A commit since then may be missing from the snapshot, so it is dropped
// and the next sync corrects the totals. It reports whether the snapshot
// was applied or held back.
//
// While reservations are outstanding the snapshot is held back and applied
// once the last one is released: the ledger may already include a purchase
// whose reservation is not yet committed, and applying it early would count
// that purchase twice. A commit discards a held-back snapshot.
func (t *Tracker) SyncSince(epoch uint64, state model.SaleState) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sync(epoch, state)
}

func (t *Tracker) sync(epoch uint64, state model.SaleState) (bool, error) {
	funds, err := normalize(t.settledFunds, state.FundsRaised)
	if err != nil {
		return false, fmt.Errorf("caps: funds raised: %w", err)
	}
	sold, err := normalize(t.settledTokens, state.TotalTokensSold)
	if err != nil {
		return false, fmt.Errorf("caps: tokens sold: %w", err)
	}
	if epoch != t.epoch {
		return false, nil
	}
	state.FundsRaised, state.TotalTokensSold = funds, sold
	if len(t.reservations) > 0 {
		t.deferred = &deferredState{state: state, epoch: t.epoch}
		return true, nil
	}
	t.deferred = nil
	t.settledFunds, t.settledTokens = funds, sold
	return true, nil
}

// applyDeferred applies a held-back snapshot once no reservation is
// outstanding and no commit has landed since it was taken. Caller holds mu.
func (t *Tracker) applyDeferred() {
	if t.deferred == nil {
		return
	}
	if t.deferred.epoch != t.epoch {
		t.deferred = nil
		return
	}
	if len(t.reservations) > 0 {
		return
	}
	d := t.deferred
	t.deferred = nil
	t.settledFunds, t.settledTokens = d.state.FundsRaised, d.state.TotalTokensSold
}

type deferredState struct {
	state model.SaleState
	epoch uint64
}

// normalize checks a ledger total against the tracker's precision. A zero
// total of any precision is accepted as zero at cur's precision.
func normalize(cur, next amount.Amount) (amount.Amount, error) {
	if next.IsZero() {
		return amount.Zero(cur.Decimals()), nil
	}
	if next.Decimals() != cur.Decimals() {
		return amount.Amount{}, fmt.Errorf("%w: %d vs %d decimals", amount.ErrPrecisionMismatch, next.Decimals(), cur.Decimals())
	}
	return next, nil
}

// Outstanding returns the number of uncommitted reservations.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reservations)
}

// Progress reports funds raised against the caps. FundsRaised includes
// outstanding reservations; Pending is that outstanding part.
func (t *Tracker) Progress() model.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	funds, err := t.totalFunds()
	if err != nil {
		funds = t.settledFunds
	}
	sold, err := t.totalTokens()
	if err != nil {
		sold = t.settledTokens
	}
	remaining, err := t.hardcap.SaturatingSub(funds)
	if err != nil {
		remaining = amount.Zero(t.hardcap.Decimals())
	}
	hundred := decimal.NewFromInt(100)
	percent := funds.Decimal().Mul(hundred).Div(t.hardcap.Decimal())
	return model.Progress{
		FundsRaised:     funds,
		Pending:         t.pendingFunds,
		Hardcap:         t.hardcap,
		Softcap:         t.softcap,
		Remaining:       remaining,
		Percent:         uint64(percent.IntPart()),
		PercentExact:    percent.RoundDown(2).StringFixed(2),
		SoftcapReached:  !t.softcap.IsZero() && funds.Cmp(t.softcap) >= 0,
		TotalTokensSold: sold,
		PresaleSupply:   t.supply,
	}
}

func (t *Tracker) totalFunds() (amount.Amount, error) {
	return t.settledFunds.Add(t.pendingFunds)
}

func (t *Tracker) totalTokens() (amount.Amount, error) {
	return t.settledTokens.Add(t.pendingTokens)
}
