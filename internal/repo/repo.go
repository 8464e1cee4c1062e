package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/parishledger/envelope-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyAssigned is returned when an envelope already has a holder at
// write time. The conditioned update guarantees two concurrent assignments
// cannot both succeed.
var ErrAlreadyAssigned = errors.New("envelope is already assigned to a member")

// envelopeBatchSize caps a single INSERT during block creation.
const envelopeBatchSize = 500

// availableCacheTTL bounds staleness of the advisory available-envelope
// list; every mutation invalidates the key anyway.
const availableCacheTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods (unit test mock seam).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetEnvelopeForUpdate(ctx context.Context, tx *gorm.DB, envelopeID string) (*model.Envelope, error)
	FindEnvelopeByID(ctx context.Context, tx *gorm.DB, envelopeID string) (*model.Envelope, error)
	FindEnvelopeByMember(ctx context.Context, tx *gorm.DB, memberID string) (*model.Envelope, error)
	FindByNumber(ctx context.Context, churchID string, number int) (*model.Envelope, error)
	FindAvailable(ctx context.Context, churchID string, limit int) ([]model.Envelope, error)
	CountNumbersInRange(ctx context.Context, tx *gorm.DB, churchID string, startNumber, endNumber int) (int64, error)
	CreateEnvelopes(ctx context.Context, tx *gorm.DB, envelopes []model.Envelope) error
	DeleteEnvelopesInRange(ctx context.Context, tx *gorm.DB, churchID string, startNumber, endNumber int) (int64, error)
	HasAssignmentHistoryInRange(ctx context.Context, churchID string, startNumber, endNumber int) (bool, error)
	AssignEnvelope(ctx context.Context, tx *gorm.DB, envelopeID, memberID string, at time.Time) error
	ReleaseEnvelope(ctx context.Context, tx *gorm.DB, envelopeID, memberID string, at time.Time) error
	CreateAssignment(ctx context.Context, tx *gorm.DB, entry *model.EnvelopeAssignment) error
	ListAssignments(ctx context.Context, envelopeID string) ([]model.EnvelopeAssignment, error)
	GetMemberForUpdate(ctx context.Context, tx *gorm.DB, memberID string) (*model.Member, error)
	FindMemberByID(ctx context.Context, memberID string) (*model.Member, error)
	SetMemberEnvelopeNumber(ctx context.Context, tx *gorm.DB, memberID string, number *int) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheAvailable(ctx context.Context, churchID string, envelopes []model.Envelope) error
	GetCachedAvailable(ctx context.Context, churchID string) ([]model.Envelope, error)
	InvalidateAvailable(ctx context.Context, churchID string) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// lockForUpdate adds FOR UPDATE where the dialect has row locks. SQLite
// has no row locks and rejects the syntax; its single-writer model already
// serializes the transaction.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetEnvelopeForUpdate locks the envelope row for the current transaction.
func (r *Repository) GetEnvelopeForUpdate(ctx context.Context, tx *gorm.DB, envelopeID string) (*model.Envelope, error) {
	var e model.Envelope
	if err := lockForUpdate(tx.WithContext(ctx)).
		Where("id = ?", envelopeID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEnvelopeByID fetches an envelope with its current holder preloaded.
func (r *Repository) FindEnvelopeByID(ctx context.Context, tx *gorm.DB, envelopeID string) (*model.Envelope, error) {
	var e model.Envelope
	if err := tx.WithContext(ctx).Preload("Member").Where("id = ?", envelopeID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEnvelopeByMember returns the envelope currently held by the member,
// or nil when the member holds none.
func (r *Repository) FindEnvelopeByMember(ctx context.Context, tx *gorm.DB, memberID string) (*model.Envelope, error) {
	var e model.Envelope
	err := tx.WithContext(ctx).Where("member_id = ?", memberID).First(&e).Error
	if err == nil {
		return &e, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// FindByNumber looks an envelope up by its number within a church.
func (r *Repository) FindByNumber(ctx context.Context, churchID string, number int) (*model.Envelope, error) {
	var e model.Envelope
	if err := r.db.WithContext(ctx).Preload("Member").
		Where("church_id = ? AND envelope_number = ?", churchID, number).
		First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// FindAvailable returns up to limit unassigned envelopes, ascending by
// number. Deterministic next-available policy.
func (r *Repository) FindAvailable(ctx context.Context, churchID string, limit int) ([]model.Envelope, error) {
	var envs []model.Envelope
	err := r.db.WithContext(ctx).
		Where("church_id = ? AND member_id IS NULL", churchID).
		Order("envelope_number asc").
		Limit(limit).
		Find(&envs).Error
	return envs, err
}

// CountNumbersInRange counts registered numbers in the inclusive range.
func (r *Repository) CountNumbersInRange(ctx context.Context, tx *gorm.DB, churchID string, startNumber, endNumber int) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Envelope{}).
		Where("church_id = ? AND envelope_number >= ? AND envelope_number <= ?", churchID, startNumber, endNumber).
		Count(&n).Error
	return n, err
}

// CreateEnvelopes inserts block rows in chunks so very large blocks do not
// blow up a single statement. The caller's transaction keeps it atomic.
func (r *Repository) CreateEnvelopes(ctx context.Context, tx *gorm.DB, envelopes []model.Envelope) error {
	return tx.WithContext(ctx).CreateInBatches(envelopes, envelopeBatchSize).Error
}

// DeleteEnvelopesInRange mechanically deletes envelopes in the range. The
// assignment-history guard is caller policy, not enforced here.
func (r *Repository) DeleteEnvelopesInRange(ctx context.Context, tx *gorm.DB, churchID string, startNumber, endNumber int) (int64, error) {
	res := tx.WithContext(ctx).
		Where("church_id = ? AND envelope_number >= ? AND envelope_number <= ?", churchID, startNumber, endNumber).
		Delete(&model.Envelope{})
	return res.RowsAffected, res.Error
}

// HasAssignmentHistoryInRange reports whether any envelope in the range
// has ever appeared in the ledger, released or not.
func (r *Repository) HasAssignmentHistoryInRange(ctx context.Context, churchID string, startNumber, endNumber int) (bool, error) {
	sub := r.db.Model(&model.Envelope{}).Select("id").
		Where("church_id = ? AND envelope_number >= ? AND envelope_number <= ?", churchID, startNumber, endNumber)
	var n int64
	err := r.db.WithContext(ctx).Model(&model.EnvelopeAssignment{}).
		Where("envelope_id IN (?)", sub).
		Count(&n).Error
	return n > 0, err
}

// AssignEnvelope sets the holder, conditioned on the envelope still being
// unassigned at write time.
func (r *Repository) AssignEnvelope(ctx context.Context, tx *gorm.DB, envelopeID, memberID string, at time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.Envelope{}).
		Where("id = ? AND member_id IS NULL", envelopeID).
		Updates(map[string]interface{}{
			"member_id":   memberID,
			"assigned_at": at,
			"released_at": nil,
			"updated_at":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyAssigned
	}
	return nil
}

// ReleaseEnvelope clears the holder, conditioned on the expected former
// holder still being on the row.
func (r *Repository) ReleaseEnvelope(ctx context.Context, tx *gorm.DB, envelopeID, memberID string, at time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.Envelope{}).
		Where("id = ? AND member_id = ?", envelopeID, memberID).
		Updates(map[string]interface{}{
			"member_id":   nil,
			"assigned_at": nil,
			"released_at": at,
			"updated_at":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("envelope %s holder changed during release", envelopeID)
	}
	return nil
}

// CreateAssignment appends a ledger entry.
func (r *Repository) CreateAssignment(ctx context.Context, tx *gorm.DB, entry *model.EnvelopeAssignment) error {
	return tx.WithContext(ctx).Create(entry).Error
}

// ListAssignments returns the full ledger for an envelope, newest first,
// with the member eager-loaded.
func (r *Repository) ListAssignments(ctx context.Context, envelopeID string) ([]model.EnvelopeAssignment, error) {
	var entries []model.EnvelopeAssignment
	err := r.db.WithContext(ctx).Preload("Member").
		Where("envelope_id = ?", envelopeID).
		Order("activity_at desc, created_at desc").
		Find(&entries).Error
	return entries, err
}

// GetMemberForUpdate locks the member row for the current transaction.
func (r *Repository) GetMemberForUpdate(ctx context.Context, tx *gorm.DB, memberID string) (*model.Member, error) {
	var m model.Member
	if err := lockForUpdate(tx.WithContext(ctx)).
		Where("id = ?", memberID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMemberByID fetches a member without locking.
func (r *Repository) FindMemberByID(ctx context.Context, memberID string) (*model.Member, error) {
	var m model.Member
	if err := r.db.WithContext(ctx).Where("id = ?", memberID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMemberEnvelopeNumber maintains the denormalized envelope number on the
// member profile. Explicit step so the cross-entity write stays visible at
// call sites instead of hiding behind a cascade.
func (r *Repository) SetMemberEnvelopeNumber(ctx context.Context, tx *gorm.DB, memberID string, number *int) error {
	return tx.WithContext(ctx).Model(&model.Member{}).
		Where("id = ?", memberID).
		Updates(map[string]interface{}{
			"envelope_number": number,
			"updated_at":      time.Now(),
		}).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka. Messages are keyed by aggregate id so all
// events for one envelope land on the same partition in ledger order;
// consumers route on the event-type header without decoding the payload.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	return r.writer.WriteMessages(ctx, outboxMessage(evt))
}

func outboxMessage(evt model.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "aggregate", Value: []byte(evt.Aggregate)},
			{Key: "event-type", Value: []byte(evt.EventType)},
		},
		Time: evt.CreatedAt,
	}
}

func availableKey(churchID string) string { return fmt.Sprintf("available:%s", churchID) }

// CacheAvailable writes the advisory available-envelope list to Redis.
func (r *Repository) CacheAvailable(ctx context.Context, churchID string, envelopes []model.Envelope) error {
	data, err := json.Marshal(envelopes)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, availableKey(churchID), data, availableCacheTTL).Err()
}

// GetCachedAvailable reads the advisory available-envelope list.
func (r *Repository) GetCachedAvailable(ctx context.Context, churchID string) ([]model.Envelope, error) {
	data, err := r.rdb.Get(ctx, availableKey(churchID)).Bytes()
	if err != nil {
		return nil, err
	}
	var envs []model.Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// InvalidateAvailable drops the cached list after a mutation.
func (r *Repository) InvalidateAvailable(ctx context.Context, churchID string) error {
	return r.rdb.Del(ctx, availableKey(churchID)).Err()
}
