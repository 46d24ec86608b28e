package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// EventOutboxRecord is the transactional outbox row: written inside the core
// transaction, published to Pub/Sub by the dispatcher after commit.
type EventOutboxRecord struct {
	ID            int                `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string             `gorm:"size:64;not null;index" json:"business_id"`
	OccurredAt    time.Time          `gorm:"index;not null" json:"occurred_at"`
	ReferenceId   int                `json:"reference_id"`
	ReferenceType EventReferenceType `gorm:"type:enum('RQ','IV','PU')" json:"reference_type"`
	Action        EventAction        `gorm:"type:enum('C','U','D')" json:"action"`
	OldObj        []byte             `gorm:"type:blob" json:"old_obj"`
	NewObj        []byte             `gorm:"type:blob" json:"new_obj"`
	Note          string             `gorm:"size:255" json:"note"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// PublishEvent records an event in the outbox within the caller's
// transaction. It never touches Pub/Sub; delivery happens after commit and
// its failures cannot roll the core back.
func PublishEvent(ctx context.Context, tx *gorm.DB, businessId string, refId int, refType EventReferenceType, oldObj interface{}, newObj interface{}, action EventAction) error {

	var oldBytes, newBytes []byte
	var err error

	if action == EventActionUpdate || action == EventActionDelete {
		if oldObj != nil {
			oldBytes, err = json.Marshal(oldObj)
			if err != nil {
				return err
			}
		}
	}
	if action == EventActionCreate || action == EventActionUpdate {
		if newObj != nil {
			newBytes, err = json.Marshal(newObj)
			if err != nil {
				return err
			}
		}
	}

	record := EventOutboxRecord{
		BusinessId:    businessId,
		OccurredAt:    time.Now(),
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		OldObj:        oldBytes,
		NewObj:        newBytes,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

type statusAuditPayload struct {
	RequestId  int           `json:"request_id"`
	FromStatus RequestStatus `json:"from_status"`
	ToStatus   RequestStatus `json:"to_status"`
	ActorId    int           `json:"actor_id"`
	Note       string        `json:"note"`
}

// PublishStatusAudit emits the structured status-change event the audit
// collaborator consumes.
func PublishStatusAudit(ctx context.Context, tx *gorm.DB, businessId string, requestId int, from RequestStatus, to RequestStatus, note string) error {

	actorId, _ := utils.GetUserIdFromContext(ctx)
	payload := statusAuditPayload{
		RequestId:  requestId,
		FromStatus: from,
		ToStatus:   to,
		ActorId:    actorId,
		Note:       note,
	}
	newBytes, err := json.Marshal(&payload)
	if err != nil {
		return err
	}

	record := EventOutboxRecord{
		BusinessId:    businessId,
		OccurredAt:    time.Now(),
		ReferenceId:   requestId,
		ReferenceType: EventReferenceTypeRequest,
		Action:        EventActionUpdate,
		NewObj:        newBytes,
		Note:          string(from) + "->" + string(to),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

// RequeueDeadEvents resets DEAD rows to PENDING so the dispatcher picks them
// up again. Operational tool, not part of the normal flow.
func RequeueDeadEvents(ctx context.Context, businessId string) (int64, error) {

	if businessId == "" {
		return 0, errors.New("business id is required")
	}

	db := config.GetDB()
	result := db.WithContext(ctx).Model(&EventOutboxRecord{}).
		Where("business_id = ? AND publish_status = ?", businessId, OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"PublishStatus":   OutboxPublishStatusPending,
			"PublishAttempts": 0,
			"NextAttemptAt":   nil,
			"LockedAt":        nil,
			"LockedBy":        nil,
		})
	return result.RowsAffected, result.Error
}
