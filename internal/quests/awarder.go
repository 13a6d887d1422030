package quests

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AwardIfFirstCompletion appends the quest's experience for address exactly once.
// It returns AwardSkipped when the quest is incomplete or was already awarded.
func (s *Service) AwardIfFirstCompletion(ctx context.Context, address stark.Address, questID QuestID) (AwardResult, error) {
	if s.db == nil {
		s.logError(opAwardExperience, reasonMissingDB, errMissingDatabase)
		return AwardSkipped, newServiceError(opAwardExperience, reasonMissingDB, errMissingDatabase)
	}
	if address == "" {
		return AwardSkipped, newServiceError(opAwardExperience, reasonMissingAddr, errMissingAddress)
	}

	quest, err := s.loadQuest(ctx, opAwardExperience, questID)
	if err != nil {
		return AwardSkipped, err
	}
	progress, err := s.progress(ctx, opAwardExperience, address, quest)
	if err != nil {
		return AwardSkipped, err
	}
	if !progress.Complete {
		return AwardSkipped, nil
	}
	return s.awardIfFirstCompletion(ctx, opAwardExperience, address, quest)
}

// awardIfFirstCompletion claims the (address, quest) gate row and appends the experience entry
// in one transaction. A concurrent caller that loses the insert sees zero affected rows.
func (s *Service) awardIfFirstCompletion(ctx context.Context, operation string, address stark.Address, quest Quest) (AwardResult, error) {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err,
			zap.String(fieldAddress, address.String()),
			zap.Uint64(fieldQuestID, quest.ID))
		return AwardSkipped, newServiceError(operation, "id_generation_failed", err)
	}

	awardedAt := s.clock().UTC()
	awarded := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		gate := QuestAward{
			Address:          address.String(),
			QuestID:          quest.ID,
			EntryID:          entryID,
			AwardedAtSeconds: awardedAt.Unix(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&gate)
		if result.Error != nil {
			s.logError(operation, "award_gate_insert_failed", result.Error,
				zap.String(fieldAddress, address.String()),
				zap.Uint64(fieldQuestID, quest.ID))
			return storageError(operation, "award_gate_insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		entry := ExperienceEntry{
			EntryID:         entryID,
			Address:         address.String(),
			Experience:      quest.Experience,
			TimestampMillis: awardedAt.UnixMilli(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(operation, "experience_insert_failed", err,
				zap.String(fieldAddress, address.String()),
				zap.Uint64(fieldQuestID, quest.ID))
			return storageError(operation, "experience_insert_failed", err)
		}
		awarded = true
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return AwardSkipped, txErr
		}
		s.logError(operation, "award_commit_failed", txErr,
			zap.String(fieldAddress, address.String()),
			zap.Uint64(fieldQuestID, quest.ID))
		return AwardSkipped, storageError(operation, "award_commit_failed", txErr)
	}
	if !awarded {
		return AwardSkipped, nil
	}

	s.metrics.observeAward(quest.Experience)
	s.loggerOrDefault().Info("quest experience awarded",
		zap.String(fieldAddress, address.String()),
		zap.Uint64(fieldQuestID, quest.ID),
		zap.Int64("experience", quest.Experience),
		zap.String("entry_id", entryID))
	if s.listener != nil {
		s.listener(QuestCompletion{
			Address:    address,
			QuestID:    QuestID(quest.ID),
			Experience: quest.Experience,
			AwardedAt:  awardedAt,
		})
	}
	return AwardAwarded, nil
}
