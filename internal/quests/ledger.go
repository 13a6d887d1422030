package quests

import (
	"context"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// CompletionStatus reports whether an upsert recorded a new completion.
type CompletionStatus string

const (
	CompletionInserted      CompletionStatus = "inserted"
	CompletionAlreadyExists CompletionStatus = "already_exists"
)

// AwardResult reports whether the awarder appended an experience entry.
type AwardResult string

const (
	AwardAwarded AwardResult = "awarded"
	AwardSkipped AwardResult = "skipped"
)

// CompletionOutcome summarises a completion upsert and its downstream effects.
type CompletionOutcome struct {
	status         CompletionStatus
	questID        QuestID
	questCompleted bool
	award          AwardResult
}

func (o CompletionOutcome) Status() CompletionStatus {
	return o.status
}

func (o CompletionOutcome) QuestID() QuestID {
	return o.questID
}

func (o CompletionOutcome) QuestCompleted() bool {
	return o.questCompleted
}

func (o CompletionOutcome) Award() AwardResult {
	return o.award
}

// UpsertCompletion records that address completed taskID. Repeated calls with the same pair
// return CompletionAlreadyExists and never produce a second experience entry.
//
// A repeated call still passes through the award gate: when an earlier call inserted the
// completion but failed before the award committed, the retry finishes the job.
func (s *Service) UpsertCompletion(ctx context.Context, address stark.Address, taskID TaskID) (CompletionOutcome, error) {
	if s.db == nil {
		s.logError(opUpsertCompletion, reasonMissingDB, errMissingDatabase)
		return CompletionOutcome{}, newServiceError(opUpsertCompletion, reasonMissingDB, errMissingDatabase)
	}
	if address == "" {
		return CompletionOutcome{}, newServiceError(opUpsertCompletion, reasonMissingAddr, errMissingAddress)
	}
	if taskID == 0 {
		return CompletionOutcome{}, newServiceError(opUpsertCompletion, "invalid_task_id", ErrInvalidTaskID)
	}

	task, err := s.loadTask(ctx, opUpsertCompletion, taskID)
	if err != nil {
		return CompletionOutcome{}, err
	}

	completion := TaskCompletion{
		Address:            address.String(),
		TaskID:             task.ID,
		CompletedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&completion)
	if result.Error != nil {
		s.logError(opUpsertCompletion, "completion_insert_failed", result.Error,
			zap.String(fieldAddress, address.String()),
			zap.Uint64(fieldTaskID, task.ID))
		return CompletionOutcome{}, storageError(opUpsertCompletion, "completion_insert_failed", result.Error)
	}

	status := CompletionAlreadyExists
	if result.RowsAffected > 0 {
		status = CompletionInserted
	}
	s.metrics.observeCompletion(status)

	quest, err := s.loadQuest(ctx, opUpsertCompletion, QuestID(task.QuestID))
	if err != nil {
		return CompletionOutcome{}, err
	}

	progress, err := s.progress(ctx, opUpsertCompletion, address, quest)
	if err != nil {
		return CompletionOutcome{}, err
	}

	outcome := CompletionOutcome{
		status:         status,
		questID:        QuestID(quest.ID),
		questCompleted: progress.Complete,
		award:          AwardSkipped,
	}
	if !progress.Complete {
		return outcome, nil
	}

	award, err := s.awardIfFirstCompletion(ctx, opUpsertCompletion, address, quest)
	if err != nil {
		return CompletionOutcome{}, err
	}
	outcome.award = award
	return outcome, nil
}
