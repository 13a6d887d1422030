package quests

import (
	"context"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"go.uber.org/zap"
)

// QuestProgress is a single-statement snapshot of an address's progress in a quest.
type QuestProgress struct {
	QuestID   QuestID
	Completed int64
	Total     int64
	Complete  bool
}

// Evaluator decides whether a progress snapshot satisfies a quest.
type Evaluator interface {
	Satisfied(quest Quest, completed, total int64) bool
}

// AllTasksEvaluator requires every task currently in the quest. A quest without tasks is never complete.
type AllTasksEvaluator struct{}

func (AllTasksEvaluator) Satisfied(_ Quest, completed, total int64) bool {
	return total > 0 && completed >= total
}

// CountThresholdEvaluator requires at least quest.CompletionThreshold completed tasks,
// capped at the number of tasks in the quest.
type CountThresholdEvaluator struct{}

func (CountThresholdEvaluator) Satisfied(quest Quest, completed, total int64) bool {
	if quest.CompletionThreshold <= 0 || total == 0 {
		return false
	}
	required := int64(quest.CompletionThreshold)
	if required > total {
		required = total
	}
	return completed >= required
}

func evaluatorFor(quest Quest) Evaluator {
	if quest.CompletionPolicy == CompletionPolicyThreshold {
		return CountThresholdEvaluator{}
	}
	return AllTasksEvaluator{}
}

type progressRow struct {
	TotalTasks     int64 `gorm:"column:total_tasks"`
	CompletedTasks int64 `gorm:"column:completed_tasks"`
}

// IsQuestComplete re-reads the quest's task set and reports whether address has satisfied it.
func (s *Service) IsQuestComplete(ctx context.Context, address stark.Address, questID QuestID) (bool, error) {
	progress, err := s.QuestProgress(ctx, address, questID)
	if err != nil {
		return false, err
	}
	return progress.Complete, nil
}

// QuestProgress returns completed and total task counts alongside the completion verdict.
func (s *Service) QuestProgress(ctx context.Context, address stark.Address, questID QuestID) (QuestProgress, error) {
	if s.db == nil {
		s.logError(opIsQuestComplete, reasonMissingDB, errMissingDatabase)
		return QuestProgress{}, newServiceError(opIsQuestComplete, reasonMissingDB, errMissingDatabase)
	}
	if address == "" {
		return QuestProgress{}, newServiceError(opIsQuestComplete, reasonMissingAddr, errMissingAddress)
	}
	quest, err := s.loadQuest(ctx, opIsQuestComplete, questID)
	if err != nil {
		return QuestProgress{}, err
	}
	return s.progress(ctx, opIsQuestComplete, address, quest)
}

func (s *Service) progress(ctx context.Context, operation string, address stark.Address, quest Quest) (QuestProgress, error) {
	var row progressRow
	err := s.db.WithContext(ctx).
		Model(&Task{}).
		Select("COUNT(tasks.id) AS total_tasks, COUNT(task_completions.task_id) AS completed_tasks").
		Joins("LEFT JOIN task_completions ON task_completions.task_id = tasks.id AND task_completions.address = ?", address.String()).
		Where("tasks.quest_id = ?", quest.ID).
		Scan(&row).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err,
			zap.String(fieldAddress, address.String()),
			zap.Uint64(fieldQuestID, quest.ID))
		return QuestProgress{}, storageError(operation, reasonQueryFailed, err)
	}

	return QuestProgress{
		QuestID:   QuestID(quest.ID),
		Completed: row.CompletedTasks,
		Total:     row.TotalTasks,
		Complete:  evaluatorFor(quest).Satisfied(quest, row.CompletedTasks, row.TotalTasks),
	}, nil
}
