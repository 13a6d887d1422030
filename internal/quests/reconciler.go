package quests

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DefaultReconcileBatchSize bounds the pending pairs read per query.
const DefaultReconcileBatchSize = 200

var errInvalidReconcileInterval = errors.New("reconcile interval must be positive")

type pendingAward struct {
	Address string `gorm:"column:address"`
	QuestID uint64 `gorm:"column:quest_id"`
}

// ReconcileAwards walks every (address, quest) pair that has completions but no award row and
// sends it through the award gate. It returns the number of awards appended.
func (s *Service) ReconcileAwards(ctx context.Context, batchSize int) (int, error) {
	if s.db == nil {
		s.logError(opReconcileAwards, reasonMissingDB, errMissingDatabase)
		return 0, newServiceError(opReconcileAwards, reasonMissingDB, errMissingDatabase)
	}
	if batchSize <= 0 {
		batchSize = DefaultReconcileBatchSize
	}

	awarded := 0
	cursor := pendingAward{}
	for {
		var batch []pendingAward
		query := s.db.WithContext(ctx).
			Table("task_completions").
			Select("DISTINCT task_completions.address AS address, tasks.quest_id AS quest_id").
			Joins("JOIN tasks ON tasks.id = task_completions.task_id").
			Joins("LEFT JOIN quest_awards ON quest_awards.address = task_completions.address AND quest_awards.quest_id = tasks.quest_id").
			Where("quest_awards.address IS NULL")
		if cursor.Address != "" {
			query = query.Where("(task_completions.address > ?) OR (task_completions.address = ? AND tasks.quest_id > ?)",
				cursor.Address, cursor.Address, cursor.QuestID)
		}
		if err := query.
			Order("address ASC, quest_id ASC").
			Limit(batchSize).
			Scan(&batch).Error; err != nil {
			s.logError(opReconcileAwards, reasonQueryFailed, err)
			return awarded, storageError(opReconcileAwards, reasonQueryFailed, err)
		}

		for _, pending := range batch {
			address, err := stark.NewAddress(pending.Address)
			if err != nil {
				s.logError(opReconcileAwards, "invalid_stored_address", err,
					zap.String(fieldAddress, pending.Address))
				continue
			}
			result, err := s.AwardIfFirstCompletion(ctx, address, QuestID(pending.QuestID))
			if err != nil {
				s.metrics.observeReconciled(awarded)
				return awarded, err
			}
			if result == AwardAwarded {
				awarded++
			}
		}

		if len(batch) < batchSize {
			break
		}
		cursor = batch[len(batch)-1]
	}

	s.metrics.observeReconciled(awarded)
	return awarded, nil
}

// StartAwardReconciler runs ReconcileAwards every interval until the returned scheduler is shut down.
func StartAwardReconciler(service *Service, interval time.Duration, batchSize int, logger *zap.Logger) (gocron.Scheduler, error) {
	if interval <= 0 {
		return nil, errInvalidReconcileInterval
	}
	if logger == nil {
		logger = noOpLogger
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			awarded, err := service.ReconcileAwards(ctx, batchSize)
			if err != nil {
				logger.Warn("award reconciliation failed", zap.Error(err), zap.Int("awarded", awarded))
				return
			}
			if awarded > 0 {
				logger.Info("award reconciliation appended missing awards", zap.Int("awarded", awarded))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("award-reconciler"),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}
