package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/models"
)

var errReadOnly = errors.New("storage: write attempted in read-only transaction")

type memState struct {
	journeys     map[string]models.Journey
	bids         map[string]models.Bid
	rides        map[string]models.Ride
	legs         map[string]models.Leg
	payments     map[string]models.Payment
	vouchers     map[string]models.Voucher
	userVouchers map[string]models.UserVoucher
}

func newMemState() *memState {
	return &memState{
		journeys:     map[string]models.Journey{},
		bids:         map[string]models.Bid{},
		rides:        map[string]models.Ride{},
		legs:         map[string]models.Leg{},
		payments:     map[string]models.Payment{},
		vouchers:     map[string]models.Voucher{},
		userVouchers: map[string]models.UserVoucher{},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		journeys:     cloneMap(s.journeys),
		bids:         cloneMap(s.bids),
		rides:        cloneMap(s.rides),
		legs:         cloneMap(s.legs),
		payments:     cloneMap(s.payments),
		vouchers:     cloneMap(s.vouchers),
		userVouchers: cloneMap(s.userVouchers),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MemoryStore keeps everything in process. Write transactions are
// serialised and work on a copy that replaces the live state on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memTxKey struct{}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == m && !tx.readOnly {
		return fn(ctx, tx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, s: m.state.clone()}
	txCtx := context.WithValue(ctx, memTxKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		return err
	}
	m.state = tx.s
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == m {
		return fn(ctx, tx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx := &memTx{store: m, s: m.state, readOnly: true}
	return fn(context.WithValue(ctx, memTxKey{}, tx), tx)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

type memTx struct {
	store    *MemoryStore
	s        *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) InsertJourney(_ context.Context, j *models.Journey) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.journeys[j.ID] = *j
	return nil
}

func (t *memTx) GetJourney(_ context.Context, id string) (*models.Journey, error) {
	j, ok := t.s.journeys[id]
	if !ok {
		return nil, apperr.ErrJourneyNotFound
	}
	return &j, nil
}

func (t *memTx) LockJourney(ctx context.Context, id string) (*models.Journey, error) {
	return t.GetJourney(ctx, id)
}

func (t *memTx) SetJourneyStatus(_ context.Context, id string, from, to models.JourneyStatus, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	j, ok := t.s.journeys[id]
	if !ok || j.Status != from {
		return apperr.ErrConcurrentUpdate
	}
	j.Status, j.UpdatedAt = to, at
	t.s.journeys[id] = j
	return nil
}

func (t *memTx) InsertBid(_ context.Context, b *models.Bid) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.bids[b.ID] = *b
	return nil
}

func (t *memTx) LockBid(_ context.Context, id string) (*models.Bid, error) {
	b, ok := t.s.bids[id]
	if !ok {
		return nil, apperr.ErrBidNotFound
	}
	return &b, nil
}

func (t *memTx) ListBids(_ context.Context, journeyID string) ([]models.Bid, error) {
	out := make([]models.Bid, 0)
	for _, b := range t.s.bids {
		if b.JourneyID == journeyID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) HasPendingBid(_ context.Context, journeyID, driverID string, now time.Time) (bool, error) {
	for _, b := range t.s.bids {
		if b.JourneyID == journeyID && b.DriverID == driverID && b.EffectiveStatus(now) == models.BidPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SetBidStatus(_ context.Context, id string, from, to models.BidStatus, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, ok := t.s.bids[id]
	if !ok || b.Status != from {
		return apperr.ErrConcurrentUpdate
	}
	b.Status, b.UpdatedAt = to, at
	t.s.bids[id] = b
	return nil
}

func (t *memTx) RejectPendingBids(_ context.Context, journeyID, exceptBidID string, at time.Time) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for id, b := range t.s.bids {
		if b.JourneyID != journeyID || id == exceptBidID || b.EffectiveStatus(at) != models.BidPending {
			continue
		}
		b.Status, b.UpdatedAt = models.BidRejected, at
		t.s.bids[id] = b
		n++
	}
	return n, nil
}

func (t *memTx) ExpirePendingBids(_ context.Context, now time.Time) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for id, b := range t.s.bids {
		if b.Status == models.BidPending && b.EffectiveStatus(now) == models.BidExpired {
			b.Status, b.UpdatedAt = models.BidExpired, now
			t.s.bids[id] = b
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertRide(_ context.Context, r *models.Ride) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, existing := range t.s.rides {
		if existing.BidID == r.BidID {
			return apperr.Conflict("duplicate_ride", "bid already has a ride")
		}
	}
	t.s.rides[r.ID] = *r
	return nil
}

func (t *memTx) GetRide(_ context.Context, id string) (*models.Ride, error) {
	r, ok := t.s.rides[id]
	if !ok {
		return nil, apperr.ErrRideNotFound
	}
	return &r, nil
}

func (t *memTx) LockRide(ctx context.Context, id string) (*models.Ride, error) {
	return t.GetRide(ctx, id)
}

func (t *memTx) UpdateRide(_ context.Context, r *models.Ride, expected models.RideStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, ok := t.s.rides[r.ID]
	if !ok || cur.Status != expected {
		return apperr.ErrConcurrentUpdate
	}
	t.s.rides[r.ID] = *r
	return nil
}

func (t *memTx) FindShareableRide(_ context.Context, q ShareQuery) (*models.Ride, error) {
	var best *models.Ride
	for _, r := range t.s.rides {
		if !r.Shared || r.Paid || r.DriverID != q.DriverID || !statusIn(r.Status, openShareStatuses) {
			continue
		}
		if r.PickupCell != q.PickupCell || r.DropoffCell != q.DropoffCell {
			continue
		}
		if r.ScheduledAt.Before(q.From) || r.ScheduledAt.After(q.To) {
			continue
		}
		if best == nil || r.ScheduledAt.Before(best.ScheduledAt) {
			cp := r
			best = &cp
		}
	}
	return best, nil
}

func (t *memTx) CountCompletedRides(_ context.Context, driverID string) (int, error) {
	n := 0
	for _, r := range t.s.rides {
		if r.DriverID == driverID && r.Status == models.RideCompleted {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertLeg(_ context.Context, l *models.Leg) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, existing := range t.s.legs {
		if existing.RideID == l.RideID && existing.PassengerID == l.PassengerID {
			return apperr.ErrAlreadyOnRide
		}
	}
	t.s.legs[l.ID] = *l
	return nil
}

func (t *memTx) ListLegs(_ context.Context, rideID string) ([]models.Leg, error) {
	out := make([]models.Leg, 0)
	for _, l := range t.s.legs {
		if l.RideID == rideID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) DeleteLeg(_ context.Context, id string, expected models.LegState) error {
	if err := t.writable(); err != nil {
		return err
	}
	l, ok := t.s.legs[id]
	if !ok || l.State != expected {
		return apperr.ErrConcurrentUpdate
	}
	delete(t.s.legs, id)
	return nil
}

func (t *memTx) SetLegState(_ context.Context, id string, from, to models.LegState, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	l, ok := t.s.legs[id]
	if !ok || l.State != from {
		return apperr.ErrConcurrentUpdate
	}
	l.State, l.UpdatedAt = to, at
	t.s.legs[id] = l
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *models.Payment) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, existing := range t.s.payments {
		if existing.RideID == p.RideID && existing.PayerID == p.PayerID && existing.Kind == p.Kind {
			return apperr.Conflict("duplicate_payment", "payment already recorded for this payer")
		}
	}
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) ListPayments(_ context.Context, rideID string) ([]models.Payment, error) {
	out := make([]models.Payment, 0)
	for _, p := range t.s.payments {
		if p.RideID == rideID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) LockPayment(_ context.Context, id string) (*models.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, apperr.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) SetPaymentStatus(_ context.Context, id string, from, to models.PaymentStatus, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.s.payments[id]
	if !ok || p.Status != from {
		return apperr.ErrConcurrentUpdate
	}
	p.Status, p.UpdatedAt = to, at
	t.s.payments[id] = p
	return nil
}

func (t *memTx) InsertVoucher(_ context.Context, v *models.Voucher) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, existing := range t.s.vouchers {
		if strings.EqualFold(existing.Code, v.Code) {
			return apperr.Conflict("duplicate_voucher", "voucher code already exists")
		}
	}
	t.s.vouchers[v.ID] = *v
	return nil
}

func (t *memTx) GetVoucherByCode(_ context.Context, code string) (*models.Voucher, error) {
	for _, v := range t.s.vouchers {
		if strings.EqualFold(v.Code, code) {
			cp := v
			return &cp, nil
		}
	}
	return nil, apperr.ErrVoucherNotFound
}

func (t *memTx) IncrementVoucherUsage(_ context.Context, voucherID string) error {
	if err := t.writable(); err != nil {
		return err
	}
	v, ok := t.s.vouchers[voucherID]
	if !ok || (v.GlobalLimit > 0 && v.UsedCount >= v.GlobalLimit) {
		return apperr.ErrVoucherUnavailable
	}
	v.UsedCount++
	t.s.vouchers[voucherID] = v
	return nil
}

func (t *memTx) InsertUserVoucher(_ context.Context, uv *models.UserVoucher) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.userVouchers[uv.ID] = *uv
	return nil
}

func (t *memTx) FindAvailableUserVoucher(_ context.Context, userID, voucherID string) (*models.UserVoucher, error) {
	var best *models.UserVoucher
	for _, uv := range t.s.userVouchers {
		if uv.UserID != userID || uv.VoucherID != voucherID || uv.Status != models.UserVoucherAvailable {
			continue
		}
		if best == nil || uv.CreatedAt.Before(best.CreatedAt) {
			cp := uv
			best = &cp
		}
	}
	if best == nil {
		return nil, apperr.ErrVoucherUnavailable
	}
	return best, nil
}

func (t *memTx) CountUserVouchers(_ context.Context, userID, voucherID string, status models.UserVoucherStatus) (int, error) {
	n := 0
	for _, uv := range t.s.userVouchers {
		if uv.UserID == userID && uv.VoucherID == voucherID && uv.Status == status {
			n++
		}
	}
	return n, nil
}

func (t *memTx) RedeemUserVoucher(_ context.Context, id, rideID string, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	uv, ok := t.s.userVouchers[id]
	if !ok || uv.Status != models.UserVoucherAvailable {
		return apperr.ErrVoucherUsed
	}
	uv.Status, uv.RideID, uv.RedeemedAt = models.UserVoucherRedeemed, rideID, &at
	t.s.userVouchers[id] = uv
	return nil
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
