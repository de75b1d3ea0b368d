package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

// WalletRepo mirrors repository.WalletRepo.
type WalletRepo struct{ s *Store }

// LedgerRepo mirrors repository.LedgerRepo.
type LedgerRepo struct{ s *Store }

// ReservationRepo mirrors repository.ReservationRepo.
type ReservationRepo struct{ s *Store }

// JobRepo mirrors repository.JobRepo.
type JobRepo struct{ s *Store }

func (s *Store) Wallets() *WalletRepo           { return &WalletRepo{s} }
func (s *Store) Ledger() *LedgerRepo            { return &LedgerRepo{s} }
func (s *Store) Reservations() *ReservationRepo { return &ReservationRepo{s} }
func (s *Store) Jobs() *JobRepo                 { return &JobRepo{s} }

// --- wallets ---

func (r *WalletRepo) EnsureTx(_ context.Context, tx pgx.Tx, identityID uuid.UUID) error {
	t, release := r.s.acquire(tx)
	defer release()
	if _, ok := r.s.wallets[identityID]; ok {
		return nil
	}
	now := r.s.now()
	r.s.wallets[identityID] = &models.Wallet{IdentityID: identityID, CreatedAt: now, UpdatedAt: now}
	t.onRollback(func() { delete(r.s.wallets, identityID) })
	return nil
}

func (r *WalletRepo) Get(_ context.Context, identityID uuid.UUID) (*models.Wallet, error) {
	_, release := r.s.acquire(nil)
	defer release()
	return r.get(identityID)
}

func (r *WalletRepo) GetForUpdate(_ context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error) {
	_, release := r.s.acquire(tx)
	defer release()
	return r.get(identityID)
}

func (r *WalletRepo) get(identityID uuid.UUID) (*models.Wallet, error) {
	w, ok := r.s.wallets[identityID]
	if !ok {
		return nil, apperr.NotFound("wallet", identityID)
	}
	cp := *w
	return &cp, nil
}

func (r *WalletRepo) SetBalanceTx(_ context.Context, tx pgx.Tx, identityID uuid.UUID, balance int64) error {
	t, release := r.s.acquire(tx)
	defer release()
	w, ok := r.s.wallets[identityID]
	if !ok {
		return apperr.NotFound("wallet", identityID)
	}
	prev := *w
	w.BalanceCredits = balance
	w.UpdatedAt = r.s.now()
	t.onRollback(func() { *w = prev })
	return nil
}

func (r *WalletRepo) ListDrift(_ context.Context, limit int) ([]*models.WalletDrift, error) {
	_, release := r.s.acquire(nil)
	defer release()
	var out []*models.WalletDrift
	for id, w := range r.s.wallets {
		sum, count := r.s.ledgerSum(id)
		if sum != w.BalanceCredits {
			out = append(out, &models.WalletDrift{
				IdentityID:    id,
				CachedBalance: w.BalanceCredits,
				LedgerSum:     sum,
				EntryCount:    count,
				Drift:         sum - w.BalanceCredits,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := abs(out[i].Drift), abs(out[j].Drift)
		if di != dj {
			return di > dj
		}
		return out[i].IdentityID.String() < out[j].IdentityID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WalletRepo) LedgerSumTx(_ context.Context, tx pgx.Tx, identityID uuid.UUID) (int64, int64, error) {
	_, release := r.s.acquire(tx)
	defer release()
	sum, count := r.s.ledgerSum(identityID)
	return sum, count, nil
}

func (r *WalletRepo) InsertRepairTx(_ context.Context, tx pgx.Tx, rep *models.WalletRepair) error {
	t, release := r.s.acquire(tx)
	defer release()
	if err := r.s.injected("wallets.InsertRepairTx"); err != nil {
		return err
	}
	rep.CreatedAt = r.s.now()
	cp := *rep
	r.s.repairs = append(r.s.repairs, &cp)
	n := len(r.s.repairs)
	t.onRollback(func() { r.s.repairs = r.s.repairs[:n-1] })
	return nil
}

func (r *WalletRepo) ListRepairs(_ context.Context, limit int) ([]*models.WalletRepair, error) {
	_, release := r.s.acquire(nil)
	defer release()
	var out []*models.WalletRepair
	for i := len(r.s.repairs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *r.s.repairs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ledgerSum(identityID uuid.UUID) (sum, count int64) {
	for _, e := range s.entries {
		if e.IdentityID == identityID {
			sum += models.LedgerDelta(e.Kind, e.Amount)
			count++
		}
	}
	return sum, count
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// --- ledger ---

func (r *LedgerRepo) CreateTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	t, release := r.s.acquire(tx)
	defer release()
	if err := r.s.injected("ledger.CreateTx"); err != nil {
		return err
	}
	e.CreatedAt = r.s.now()
	cp := *e
	r.s.entries = append(r.s.entries, &cp)
	n := len(r.s.entries)
	t.onRollback(func() { r.s.entries = r.s.entries[:n-1] })
	return nil
}

func (r *LedgerRepo) ListByIdentity(_ context.Context, identityID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	_, release := r.s.acquire(nil)
	defer release()
	var out []*models.LedgerEntry
	for i := len(r.s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := r.s.entries[i]; e.IdentityID == identityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- reservations ---

func (r *ReservationRepo) SumHeld(_ context.Context, tx pgx.Tx, identityID uuid.UUID) (int64, error) {
	_, release := r.s.acquire(tx)
	defer release()
	var held int64
	for _, res := range r.s.reservations {
		if res.IdentityID == identityID && res.Status == models.ReservationHeld {
			held += res.Cost
		}
	}
	return held, nil
}

func (r *ReservationRepo) InsertTx(_ context.Context, tx pgx.Tx, res *models.Reservation) (bool, error) {
	t, release := r.s.acquire(tx)
	defer release()
	if err := r.s.injected("reservations.InsertTx"); err != nil {
		return false, err
	}
	if _, exists := r.s.resByJob[res.JobID]; exists {
		return false, nil
	}
	res.CreatedAt = r.s.now()
	cp := *res
	r.s.reservations[res.ID] = &cp
	r.s.resByJob[res.JobID] = res.ID
	t.onRollback(func() {
		delete(r.s.reservations, res.ID)
		delete(r.s.resByJob, res.JobID)
	})
	return true, nil
}

func (r *ReservationRepo) GetByJobID(_ context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Reservation, error) {
	_, release := r.s.acquire(tx)
	defer release()
	id, ok := r.s.resByJob[jobID]
	if !ok {
		return nil, nil
	}
	cp := *r.s.reservations[id]
	return &cp, nil
}

func (r *ReservationRepo) Get(_ context.Context, id uuid.UUID) (*models.Reservation, error) {
	_, release := r.s.acquire(nil)
	defer release()
	return r.get(id)
}

func (r *ReservationRepo) GetForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	_, release := r.s.acquire(tx)
	defer release()
	return r.get(id)
}

func (r *ReservationRepo) get(id uuid.UUID) (*models.Reservation, error) {
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, apperr.NotFound("reservation", id)
	}
	cp := *res
	return &cp, nil
}

func (r *ReservationRepo) ResolveTx(_ context.Context, tx pgx.Tx, res *models.Reservation) error {
	t, release := r.s.acquire(tx)
	defer release()
	cur, ok := r.s.reservations[res.ID]
	if !ok || cur.Status != models.ReservationHeld {
		return apperr.New(apperr.CodeStatusConflict, "reservation %s is no longer held", res.ID)
	}
	prev := *cur
	cur.Status = res.Status
	cur.ReleaseReason = res.ReleaseReason
	cur.FinalizedAt = res.FinalizedAt
	cur.ReleasedAt = res.ReleasedAt
	t.onRollback(func() { *cur = prev })
	return nil
}

func (r *ReservationRepo) ListHeldBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	_, release := r.s.acquire(nil)
	defer release()
	var out []*models.Reservation
	for _, res := range r.s.reservations {
		if res.Status == models.ReservationHeld && res.CreatedAt.Before(cutoff) {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- jobs ---

func (r *JobRepo) CreateTx(_ context.Context, tx pgx.Tx, j *models.Job) error {
	t, release := r.s.acquire(tx)
	defer release()
	if err := r.s.injected("jobs.CreateTx"); err != nil {
		return err
	}
	now := r.s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	r.s.jobs[j.ID] = &cp
	t.onRollback(func() { delete(r.s.jobs, j.ID) })
	return nil
}

func (r *JobRepo) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	_, release := r.s.acquire(nil)
	defer release()
	return r.get(id)
}

func (r *JobRepo) GetForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	_, release := r.s.acquire(tx)
	defer release()
	return r.get(id)
}

func (r *JobRepo) get(id uuid.UUID) (*models.Job, error) {
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) GetByUpstream(_ context.Context, provider, upstreamID string) (*models.Job, error) {
	_, release := r.s.acquire(nil)
	defer release()
	id, ok := r.s.upstream[upstreamKey(provider, upstreamID)]
	if !ok {
		return nil, apperr.NotFound("job", provider+"/"+upstreamID)
	}
	return r.get(id)
}

func (r *JobRepo) UpdateTx(_ context.Context, tx pgx.Tx, j *models.Job) error {
	t, release := r.s.acquire(tx)
	defer release()
	if err := r.s.injected("jobs.UpdateTx"); err != nil {
		return err
	}
	cur, ok := r.s.jobs[j.ID]
	if !ok {
		return apperr.NotFound("job", j.ID)
	}
	if j.UpstreamJobID != nil {
		key := upstreamKey(j.Provider, *j.UpstreamJobID)
		if owner, taken := r.s.upstream[key]; taken && owner != j.ID {
			return apperr.New(apperr.CodeStatusConflict, "upstream id already bound to another job")
		}
		if _, taken := r.s.upstream[key]; !taken {
			r.s.upstream[key] = j.ID
			t.onRollback(func() { delete(r.s.upstream, key) })
		}
	}
	prev := *cur
	cur.Provider = j.Provider
	cur.Status = j.Status
	cur.UpstreamJobID = j.UpstreamJobID
	cur.Progress = j.Progress
	cur.ErrorMessage = j.ErrorMessage
	cur.ResultURL = j.ResultURL
	cur.QuotaRetries = j.QuotaRetries
	cur.QuotaQueuedAt = j.QuotaQueuedAt
	cur.DispatchedAt = j.DispatchedAt
	cur.CompletedAt = j.CompletedAt
	cur.UpdatedAt = r.s.now()
	j.UpdatedAt = cur.UpdatedAt
	t.onRollback(func() { *cur = prev })
	return nil
}

func (r *JobRepo) SetProgress(_ context.Context, id uuid.UUID, progress int) error {
	_, release := r.s.acquire(nil)
	defer release()
	if j, ok := r.s.jobs[id]; ok && j.Status == models.JobStatusPending {
		j.Progress = progress
		j.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *JobRepo) SetQuotaRetries(_ context.Context, id uuid.UUID, retries int) error {
	_, release := r.s.acquire(nil)
	defer release()
	if j, ok := r.s.jobs[id]; ok && j.Status == models.JobStatusQuotaQueued {
		j.QuotaRetries = retries
		j.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *JobRepo) ListByIdentity(_ context.Context, identityID uuid.UUID, limit int) ([]*models.Job, error) {
	_, release := r.s.acquire(nil)
	defer release()
	var out []*models.Job
	for _, j := range r.s.jobs {
		if j.IdentityID == identityID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) ListByStatus(_ context.Context, status string, limit int) ([]*models.Job, error) {
	_, release := r.s.acquire(nil)
	defer release()
	var out []*models.Job
	for _, j := range r.s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		switch {
		case a.QuotaQueuedAt != nil && b.QuotaQueuedAt != nil && !a.QuotaQueuedAt.Equal(*b.QuotaQueuedAt):
			return a.QuotaQueuedAt.Before(*b.QuotaQueuedAt)
		case a.QuotaQueuedAt != nil && b.QuotaQueuedAt == nil:
			return true
		case a.QuotaQueuedAt == nil && b.QuotaQueuedAt != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) CountByStatus(_ context.Context, statuses ...string) (int, error) {
	_, release := r.s.acquire(nil)
	defer release()
	n := 0
	for _, j := range r.s.jobs {
		for _, st := range statuses {
			if j.Status == st {
				n++
				break
			}
		}
	}
	return n, nil
}
