package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/parishledger/envelope-service/internal/model"
	"github.com/parishledger/envelope-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Typed failures surfaced to the caller. None are retried here; retry
// policy belongs to the caller.
var (
	// ErrRangeInvalid means startNumber > endNumber.
	ErrRangeInvalid = errors.New("start number must be less than or equal to end number")
	// ErrRangeConflict means the block overlaps existing numbers for the church.
	ErrRangeConflict = errors.New("envelope number range overlaps with existing envelopes")
	// ErrNotFound means the envelope does not exist or is not visible to the tenant.
	ErrNotFound = errors.New("envelope not found")
	// ErrMemberNotFound means the member does not exist or is not visible to the tenant.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMemberAlreadyHolds means the member already holds a different envelope.
	ErrMemberAlreadyHolds = errors.New("member already has an envelope assigned")
	// ErrNotAssigned is for strict callers that treat releasing an
	// unassigned envelope as a conflict. ReleaseFromMember itself is
	// idempotent and never returns it.
	ErrNotAssigned = errors.New("envelope is not currently assigned to any member")
	// ErrHistoryBlock blocks deletion of envelopes that ever appear in the ledger.
	ErrHistoryBlock = errors.New("cannot delete envelopes that have been assigned to members")
)

// defaultAvailableLimit is the next-available page size, and the only page
// size served from the cache.
const defaultAvailableLimit = 10

// EnvelopeService owns the envelope registry and the assignment ledger for
// every church tenant. Each multi-step mutation runs in one database
// transaction and revalidates its preconditions on locked rows, so reads
// done earlier by the caller stay advisory.
type EnvelopeService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewEnvelopeService returns EnvelopeService.
func NewEnvelopeService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *EnvelopeService {
	return &EnvelopeService{repo: r, log: logger}
}

// CreateBlock registers one envelope per number in [startNumber, endNumber]
// for the church. The overlap check is re-run inside the transaction so a
// concurrent block creation cannot slip rows into the range; on conflict
// nothing is inserted. Returns the number of envelopes created.
func (s *EnvelopeService) CreateBlock(ctx context.Context, churchID string, startNumber, endNumber int) (int, error) {
	if startNumber > endNumber {
		return 0, ErrRangeInvalid
	}
	created := 0
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.CountNumbersInRange(ctx, tx, churchID, startNumber, endNumber)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrRangeConflict
		}

		now := time.Now().UTC()
		envelopes := make([]model.Envelope, 0, endNumber-startNumber+1)
		for num := startNumber; num <= endNumber; num++ {
			envelopes = append(envelopes, model.Envelope{
				ID:             uuid.NewString(),
				ChurchID:       churchID,
				EnvelopeNumber: num,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		if err := s.repo.CreateEnvelopes(ctx, tx, envelopes); err != nil {
			return err
		}
		created = len(envelopes)

		payload, _ := json.Marshal(map[string]interface{}{
			"church_id": churchID, "start_number": startNumber, "end_number": endNumber, "count": created,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Envelope", AggregateID: churchID, EventType: "BlockCreated", Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return 0, err
	}
	// invalidate after commit so a concurrent read cannot re-cache
	// pre-commit state for the full TTL
	if err := s.repo.InvalidateAvailable(ctx, churchID); err != nil {
		s.log.Warn(err)
	}
	return created, nil
}

// DeleteBlock mechanically deletes envelopes in the range and returns the
// count deleted (0 for an empty range). The assignment-history guard is
// caller policy: check HasAnyAssignmentHistory first and refuse with
// ErrHistoryBlock when it reports true.
func (s *EnvelopeService) DeleteBlock(ctx context.Context, churchID string, startNumber, endNumber int) (int64, error) {
	if startNumber > endNumber {
		return 0, ErrRangeInvalid
	}
	var deleted int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.DeleteEnvelopesInRange(ctx, tx, churchID, startNumber, endNumber)
		if err != nil {
			return err
		}
		deleted = n
		if n == 0 {
			return nil
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"church_id": churchID, "start_number": startNumber, "end_number": endNumber, "count": n,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Envelope", AggregateID: churchID, EventType: "BlockDeleted", Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		if err := s.repo.InvalidateAvailable(ctx, churchID); err != nil {
			s.log.Warn(err)
		}
	}
	return deleted, nil
}

// HasOverlappingNumbers reports whether any existing envelope number for
// the church falls within the inclusive range.
func (s *EnvelopeService) HasOverlappingNumbers(ctx context.Context, churchID string, startNumber, endNumber int) (bool, error) {
	n, err := s.repo.CountNumbersInRange(ctx, s.repo.DB(ctx), churchID, startNumber, endNumber)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasAnyAssignmentHistory reports whether any envelope in the range has
// ever had a ledger entry, including envelopes long released.
func (s *EnvelopeService) HasAnyAssignmentHistory(ctx context.Context, churchID string, startNumber, endNumber int) (bool, error) {
	return s.repo.HasAssignmentHistoryInRange(ctx, churchID, startNumber, endNumber)
}

// FindAvailable returns up to limit unassigned envelopes ordered ascending
// by number. The default page is served through the Redis cache; results
// are advisory and revalidated by AssignToMember.
func (s *EnvelopeService) FindAvailable(ctx context.Context, churchID string, limit int) ([]model.Envelope, error) {
	if limit <= 0 {
		limit = defaultAvailableLimit
	}
	if limit == defaultAvailableLimit {
		if envs, err := s.repo.GetCachedAvailable(ctx, churchID); err == nil {
			return envs, nil
		}
	}
	envs, err := s.repo.FindAvailable(ctx, churchID, limit)
	if err != nil {
		return nil, err
	}
	if limit == defaultAvailableLimit {
		if err := s.repo.CacheAvailable(ctx, churchID, envs); err != nil {
			s.log.Warn(err)
		}
	}
	return envs, nil
}

// FindByID fetches one envelope with its current holder.
func (s *EnvelopeService) FindByID(ctx context.Context, envelopeID string) (*model.Envelope, error) {
	env, err := s.repo.FindEnvelopeByID(ctx, s.repo.DB(ctx), envelopeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// FindByNumber fetches one envelope by number within a church.
func (s *EnvelopeService) FindByNumber(ctx context.Context, churchID string, number int) (*model.Envelope, error) {
	env, err := s.repo.FindByNumber(ctx, churchID, number)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// FindMember fetches a member profile (tenant check is caller concern).
func (s *EnvelopeService) FindMember(ctx context.Context, memberID string) (*model.Member, error) {
	m, err := s.repo.FindMemberByID(ctx, memberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return m, nil
}

// AssignToMember hands the envelope to the member. Preconditions are
// revalidated on locked rows inside the transaction, so two concurrent
// assignments of the same envelope (or of the same member to two
// envelopes) cannot both succeed. The ledger entry and the denormalized
// envelope number on the member profile are written in the same
// transaction.
func (s *EnvelopeService) AssignToMember(ctx context.Context, envelopeID, memberID string) (*model.Envelope, error) {
	var out *model.Envelope
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		env, err := s.repo.GetEnvelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if env.Assigned() {
			return repo.ErrAlreadyAssigned
		}

		member, err := s.repo.GetMemberForUpdate(ctx, tx, memberID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMemberNotFound
			}
			return err
		}
		held, err := s.repo.FindEnvelopeByMember(ctx, tx, member.ID)
		if err != nil {
			return err
		}
		if held != nil {
			return ErrMemberAlreadyHolds
		}

		now := time.Now().UTC()
		if err := s.repo.AssignEnvelope(ctx, tx, envelopeID, memberID, now); err != nil {
			return err
		}
		entry := &model.EnvelopeAssignment{
			ID:           uuid.NewString(),
			EnvelopeID:   envelopeID,
			ChurchID:     env.ChurchID,
			MemberID:     memberID,
			ActivityType: model.ActivityAssignment,
			ActivityAt:   now,
		}
		if err := s.repo.CreateAssignment(ctx, tx, entry); err != nil {
			return err
		}
		num := env.EnvelopeNumber
		if err := s.repo.SetMemberEnvelopeNumber(ctx, tx, memberID, &num); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"envelope_id": envelopeID, "church_id": env.ChurchID,
			"member_id": memberID, "envelope_number": env.EnvelopeNumber,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Envelope", AggregateID: envelopeID, EventType: "Assigned", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}

		out, err = s.repo.FindEnvelopeByID(ctx, tx, envelopeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateAvailable(ctx, out.ChurchID); err != nil {
		s.log.Warn(err)
	}
	return out, nil
}

// ReleaseFromMember returns the envelope to the pool. Releasing an
// unassigned envelope is a no-op, not an error; the ledger and the
// envelope are left untouched. Otherwise the RELEASE entry records the
// former holder and the member's denormalized number is cleared, all in
// one transaction.
func (s *EnvelopeService) ReleaseFromMember(ctx context.Context, envelopeID string) (*model.Envelope, error) {
	var out *model.Envelope
	released := false
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		env, err := s.repo.GetEnvelopeForUpdate(ctx, tx, envelopeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !env.Assigned() {
			out = env
			return nil
		}
		formerMemberID := *env.MemberID

		now := time.Now().UTC()
		if err := s.repo.ReleaseEnvelope(ctx, tx, envelopeID, formerMemberID, now); err != nil {
			return err
		}
		entry := &model.EnvelopeAssignment{
			ID:           uuid.NewString(),
			EnvelopeID:   envelopeID,
			ChurchID:     env.ChurchID,
			MemberID:     formerMemberID,
			ActivityType: model.ActivityRelease,
			ActivityAt:   now,
		}
		if err := s.repo.CreateAssignment(ctx, tx, entry); err != nil {
			return err
		}
		if err := s.repo.SetMemberEnvelopeNumber(ctx, tx, formerMemberID, nil); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"envelope_id": envelopeID, "church_id": env.ChurchID,
			"member_id": formerMemberID, "envelope_number": env.EnvelopeNumber,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Envelope", AggregateID: envelopeID, EventType: "Released", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		released = true

		out, err = s.repo.FindEnvelopeByID(ctx, tx, envelopeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if released {
		if err := s.repo.InvalidateAvailable(ctx, out.ChurchID); err != nil {
			s.log.Warn(err)
		}
	}
	return out, nil
}

// GetAssignmentHistory returns the envelope's full ledger, newest first.
// Member data on each entry is the member's current row, not a snapshot
// taken at event time.
func (s *EnvelopeService) GetAssignmentHistory(ctx context.Context, envelopeID string) ([]model.EnvelopeAssignment, error) {
	return s.repo.ListAssignments(ctx, envelopeID)
}

// Repo exposes underlying repository (unit tests helper).
func (s *EnvelopeService) Repo() repo.RepositoryInterface {
	return s.repo
}
