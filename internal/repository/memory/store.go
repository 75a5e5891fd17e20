// Package memory is an in-process stand-in for the postgres repositories.
// It serves local runs without a database and isolates service tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/repository/contract"
	"fengshui-report-be/internal/repository/specification"
	"fengshui-report-be/internal/repository/unitofwork"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

var (
	ErrDuplicateKey    = contract.ErrDuplicateKey
	ErrUnsupportedSpec = errors.New("memory: specification cannot be evaluated in memory")
)

// Store holds every record. One mutex guards all check-then-set updates.
type Store struct {
	mu            sync.Mutex
	consultations *cache.Cache
	transactions  *cache.Cache
}

func NewStore() *Store {
	return &Store{
		consultations: cache.New(cache.NoExpiration, 0),
		transactions:  cache.New(cache.NoExpiration, 0),
	}
}

// Factory returns a RepositoryFactory backed by s.
func (s *Store) Factory() unitofwork.RepositoryFactory {
	return &factory{store: s}
}

type factory struct {
	store *Store
}

func (f *factory) NewUnitOfWork(ctx context.Context) unitofwork.UnitOfWork {
	return &unitOfWork{store: f.store}
}

// unitOfWork has no rollback; every write is applied immediately.
type unitOfWork struct {
	store *Store
}

func (u *unitOfWork) Begin(ctx context.Context) error { return nil }
func (u *unitOfWork) Commit() error                   { return nil }
func (u *unitOfWork) Rollback() error                 { return nil }

func (u *unitOfWork) ConsultationRepository() contract.ConsultationRepository {
	return &consultationRepository{store: u.store}
}

func (u *unitOfWork) PaymentTransactionRepository() contract.PaymentTransactionRepository {
	return &transactionRepository{store: u.store}
}

func matches(v interface{}, specs []specification.Specification) (bool, error) {
	for _, spec := range specs {
		m, ok := spec.(specification.Matcher)
		if !ok {
			return false, ErrUnsupportedSpec
		}
		if !m.Matches(v) {
			return false, nil
		}
	}
	return true, nil
}

func cloneStage(r *entity.StageResult) *entity.StageResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	return &cp
}

func cloneConsultation(c *entity.Consultation) *entity.Consultation {
	cp := *c
	cp.Inputs.FloorPlanFileIds = append([]string(nil), c.Inputs.FloorPlanFileIds...)
	cp.LayoutResult = cloneStage(c.LayoutResult)
	cp.EnergyResult = cloneStage(c.EnergyResult)
	cp.ReportPdf = append([]byte(nil), c.ReportPdf...)
	return &cp
}

func (s *Store) sortedConsultations() []*entity.Consultation {
	items := s.consultations.Items()
	out := make([]*entity.Consultation, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*entity.Consultation))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type consultationRepository struct {
	store *Store
}

func (r *consultationRepository) Create(ctx context.Context, c *entity.Consultation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := specification.KeyFor(c.Email, c.Inputs, c.HouseType)
	for _, existing := range r.store.sortedConsultations() {
		if key.Matches(existing) {
			return ErrDuplicateKey
		}
	}
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.store.consultations.Set(c.Id.String(), cloneConsultation(c), cache.NoExpiration)
	return nil
}

func (r *consultationRepository) UpdateStages(ctx context.Context, c *entity.Consultation) error {
	return r.update(c.Id, func(cur *entity.Consultation) bool {
		cur.State = c.State
		cur.FailedStage = c.FailedStage
		cur.LayoutResult = cloneStage(c.LayoutResult)
		cur.EnergyResult = cloneStage(c.EnergyResult)
		cur.ConversationId = c.ConversationId
		cur.Language = c.Language
		return true
	})
}

func (r *consultationRepository) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Consultation, error) {
	all, err := r.FindAll(ctx, specs...)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (r *consultationRepository) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Consultation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []*entity.Consultation
	for _, c := range r.store.sortedConsultations() {
		ok, err := matches(c, specs)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneConsultation(c))
		}
	}
	return out, nil
}

// update applies fn under the store lock; fn returns false to leave the
// record untouched.
func (r *consultationRepository) update(id uuid.UUID, fn func(cur *entity.Consultation) bool) error {
	_, err := r.guarded(id, fn)
	return err
}

func (r *consultationRepository) guarded(id uuid.UUID, fn func(cur *entity.Consultation) bool) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	x, ok := r.store.consultations.Get(id.String())
	if !ok {
		return false, nil
	}
	cur := cloneConsultation(x.(*entity.Consultation))
	if !fn(cur) {
		return false, nil
	}
	cur.UpdatedAt = time.Now()
	r.store.consultations.Set(id.String(), cur, cache.NoExpiration)
	return true, nil
}

func (r *consultationRepository) BeginPayment(ctx context.Context, id uuid.UUID, orderID string) (bool, error) {
	return r.guarded(id, func(cur *entity.Consultation) bool {
		if !entity.CanTransitionPayment(cur.PaymentStatus, entity.PaymentStatusProcessing) {
			return false
		}
		cur.PaymentStatus = entity.PaymentStatusProcessing
		cur.PaymentOrderId = orderID
		cur.State = entity.StatePaymentPending
		return true
	})
}

func (r *consultationRepository) MarkPaymentCompleted(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	return r.guarded(id, func(cur *entity.Consultation) bool {
		if !entity.CanTransitionPayment(cur.PaymentStatus, entity.PaymentStatusCompleted) {
			return false
		}
		cur.PaymentStatus = entity.PaymentStatusCompleted
		cur.PaidAt = &paidAt
		cur.State = entity.StateReportGenerating
		cur.FailedStage = ""
		return true
	})
}

func (r *consultationRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.guarded(id, func(cur *entity.Consultation) bool {
		if !entity.CanTransitionPayment(cur.PaymentStatus, entity.PaymentStatusFailed) {
			return false
		}
		cur.PaymentStatus = entity.PaymentStatusFailed
		return true
	})
}

func (r *consultationRepository) TryStartReport(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	return r.guarded(id, func(cur *entity.Consultation) bool {
		if cur.PaymentStatus != entity.PaymentStatusCompleted {
			return false
		}
		switch cur.ReportStatus {
		case entity.ReportStatusNone, entity.ReportStatusPending, entity.ReportStatusFailed, "":
		default:
			return false
		}
		cur.ReportStatus = entity.ReportStatusProcessing
		cur.ReportStartedAt = &startedAt
		cur.ReportError = ""
		cur.State = entity.StateReportGenerating
		cur.FailedStage = ""
		return true
	})
}

func (r *consultationRepository) FinishReport(ctx context.Context, id uuid.UUID, outcome contract.ReportOutcome) (bool, error) {
	return r.guarded(id, func(cur *entity.Consultation) bool {
		if cur.ReportStatus != entity.ReportStatusProcessing {
			return false
		}
		cur.ReportStatus = outcome.Status
		cur.ReportError = outcome.Error
		if outcome.Status == entity.ReportStatusCompleted {
			cur.ReportContent = outcome.Content
			cur.ReportPdf = append([]byte(nil), outcome.Pdf...)
			cur.State = entity.StateReportComplete
		} else {
			cur.State = entity.StateError
			cur.FailedStage = "report"
		}
		return true
	})
}

func (r *consultationRepository) FailStaleReports(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, c := range r.store.sortedConsultations() {
		if c.ReportStatus != entity.ReportStatusProcessing || c.ReportStartedAt == nil || !c.ReportStartedAt.Before(cutoff) {
			continue
		}
		cur := cloneConsultation(c)
		cur.ReportStatus = entity.ReportStatusFailed
		cur.ReportError = reason
		cur.State = entity.StateError
		cur.FailedStage = "report"
		cur.UpdatedAt = time.Now()
		r.store.consultations.Set(cur.Id.String(), cur, cache.NoExpiration)
		n++
	}
	return n, nil
}

type transactionRepository struct {
	store *Store
}

func (r *transactionRepository) Create(ctx context.Context, tx *entity.PaymentTransaction) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if tx.Id == uuid.Nil {
		tx.Id = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	cp := *tx
	r.store.transactions.Set(tx.Id.String(), &cp, cache.NoExpiration)
	return nil
}

func (r *transactionRepository) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.PaymentTransaction, error) {
	all, err := r.FindAll(ctx, specs...)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (r *transactionRepository) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.PaymentTransaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []*entity.PaymentTransaction
	for _, it := range r.store.transactions.Items() {
		t := it.Object.(*entity.PaymentTransaction)
		ok, err := matches(t, specs)
		if err != nil {
			return nil, err
		}
		if ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *transactionRepository) setStatus(orderID uuid.UUID, allowed func(entity.TransactionStatus) bool, fn func(t *entity.PaymentTransaction)) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	x, ok := r.store.transactions.Get(orderID.String())
	if !ok {
		return false, nil
	}
	cp := *x.(*entity.PaymentTransaction)
	if !allowed(cp.Status) {
		return false, nil
	}
	fn(&cp)
	r.store.transactions.Set(orderID.String(), &cp, cache.NoExpiration)
	return true, nil
}

func (r *transactionRepository) MarkSettled(ctx context.Context, orderID uuid.UUID, providerStatus string, settledAt time.Time) (bool, error) {
	return r.setStatus(orderID,
		func(s entity.TransactionStatus) bool { return s != entity.TransactionStatusSettled },
		func(t *entity.PaymentTransaction) {
			t.Status = entity.TransactionStatusSettled
			t.ProviderStatus = providerStatus
			t.SettledAt = &settledAt
		})
}

func (r *transactionRepository) MarkFailed(ctx context.Context, orderID uuid.UUID, providerStatus string) (bool, error) {
	return r.setStatus(orderID,
		func(s entity.TransactionStatus) bool { return s == entity.TransactionStatusPending },
		func(t *entity.PaymentTransaction) {
			t.Status = entity.TransactionStatusFailed
			t.ProviderStatus = providerStatus
		})
}
