package quests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrTaskNotFound indicates that the task is not part of any quest.
	ErrTaskNotFound = errors.New("quests: task not found")
	// ErrQuestNotFound indicates that the quest does not exist.
	ErrQuestNotFound = errors.New("quests: quest not found")
	// ErrQuestIncomplete indicates that the address has not completed every required task.
	ErrQuestIncomplete = errors.New("quests: not all tasks completed")
	// ErrStorageUnavailable marks transient storage failures; the caller should try again later.
	ErrStorageUnavailable = errors.New("quests: storage unavailable")
	// ErrSignatureFailed marks voucher signing failures caused by malformed commitments.
	ErrSignatureFailed = errors.New("quests: signature failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSigner     = errors.New("voucher signer is required")
	errMissingAddress    = errors.New("address is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "quests.service.new"
	opUpsertCompletion  = "quests.upsert_completion"
	opIsQuestComplete   = "quests.is_quest_complete"
	opAwardExperience   = "quests.award_experience"
	opClaim             = "quests.claim"
	opReconcileAwards   = "quests.reconcile_awards"
	fieldAddress        = "address"
	fieldQuestID        = "quest_id"
	fieldTaskID         = "task_id"
	reasonMissingDB     = "missing_database"
	reasonMissingAddr   = "missing_address"
	reasonTaskNotFound  = "task_not_found"
	reasonQuestNotFound = "quest_not_found"
	reasonQueryFailed   = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func storageError(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %w", ErrStorageUnavailable, cause))
}

// IDProvider issues identifiers for appended experience entries.
type IDProvider interface {
	NewID() (string, error)
}

// VoucherSigner signs reward commitments.
type VoucherSigner interface {
	Sign(commitment stark.Felt) (stark.Signature, error)
}

// CompletionListener observes first-time quest completions after the award commits.
type CompletionListener func(QuestCompletion)

// QuestCompletion describes an experience award that was just recorded.
type QuestCompletion struct {
	Address    stark.Address
	QuestID    QuestID
	Experience int64
	AwardedAt  time.Time
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Signer     VoucherSigner
	TokenIDs   TokenIDGenerator
	Metrics    *Metrics
	Listener   CompletionListener
	Logger     *zap.Logger
}

// Service is the completion ledger. It records task completions, awards experience once per
// completed quest and assembles signed reward vouchers. Exclusivity comes from unique keys in
// the store, so one Service may serve any number of concurrent requests.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	signer     VoucherSigner
	tokenIDs   TokenIDGenerator
	metrics    *Metrics
	listener   CompletionListener
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Signer == nil {
		return nil, newServiceError(opServiceNew, "missing_signer", errMissingSigner)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	tokenIDs := cfg.TokenIDs
	if tokenIDs == nil {
		generator, err := NewRandomTokenIDGenerator(DefaultTokenIDBits)
		if err != nil {
			return nil, newServiceError(opServiceNew, "token_id_generator_failed", err)
		}
		tokenIDs = generator
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		signer:     cfg.Signer,
		tokenIDs:   tokenIDs,
		metrics:    cfg.Metrics,
		listener:   cfg.Listener,
		logger:     logger,
	}, nil
}

func (s *Service) loadTask(ctx context.Context, operation string, taskID TaskID) (Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Where("id = ?", taskID.Uint64()).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, newServiceError(operation, reasonTaskNotFound, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID))
	}
	if err != nil {
		s.logError(operation, "task_select_failed", err, zap.Uint64(fieldTaskID, taskID.Uint64()))
		return Task{}, storageError(operation, "task_select_failed", err)
	}
	return task, nil
}

func (s *Service) loadQuest(ctx context.Context, operation string, questID QuestID) (Quest, error) {
	var quest Quest
	err := s.db.WithContext(ctx).Where("id = ?", questID.Uint64()).Take(&quest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quest{}, newServiceError(operation, reasonQuestNotFound, fmt.Errorf("%w: %d", ErrQuestNotFound, questID))
	}
	if err != nil {
		s.logError(operation, "quest_select_failed", err, zap.Uint64(fieldQuestID, questID.Uint64()))
		return Quest{}, storageError(operation, "quest_select_failed", err)
	}
	return quest, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("quests service error", attrs...)
}
