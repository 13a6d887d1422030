package quests

import (
	"errors"
	"fmt"
)

// CompletionPolicy selects the evaluator used to decide whether a quest is complete.
type CompletionPolicy string

const (
	// CompletionPolicyAllTasks requires a completion for every task of the quest.
	CompletionPolicyAllTasks CompletionPolicy = "all"
	// CompletionPolicyThreshold requires a minimum number of completed tasks.
	CompletionPolicyThreshold CompletionPolicy = "threshold"
)

const maxNFTLevel = 99

var (
	// ErrInvalidTaskID indicates that a task identifier is zero.
	ErrInvalidTaskID = errors.New("quests: invalid task id")
	// ErrInvalidQuestID indicates that a quest identifier is zero.
	ErrInvalidQuestID = errors.New("quests: invalid quest id")
)

// TaskID identifies a completable unit of a quest.
type TaskID uint64

// NewTaskID validates the value and returns a TaskID.
func NewTaskID(value uint64) (TaskID, error) {
	if value == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidTaskID)
	}
	return TaskID(value), nil
}

// Uint64 exposes the raw identifier.
func (id TaskID) Uint64() uint64 {
	return uint64(id)
}

// QuestID identifies a quest.
type QuestID uint64

// NewQuestID validates the value and returns a QuestID.
func NewQuestID(value uint64) (QuestID, error) {
	if value == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidQuestID)
	}
	return QuestID(value), nil
}

// Uint64 exposes the raw identifier.
func (id QuestID) Uint64() uint64 {
	return uint64(id)
}

// Quest is static content owned by content management; the ledger only reads it.
type Quest struct {
	ID                  uint64           `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name                string           `gorm:"column:name;size:190;not null;default:''"`
	Experience          int64            `gorm:"column:experience;not null;default:0"`
	CompletionPolicy    CompletionPolicy `gorm:"column:completion_policy;size:16;not null;default:'all'"`
	CompletionThreshold int              `gorm:"column:completion_threshold;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Quest) TableName() string {
	return "quests"
}

// Task is static content grouping into a quest. Verification metadata stays with content management.
type Task struct {
	ID      uint64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	QuestID uint64 `gorm:"column:quest_id;not null;index:idx_tasks_quest"`
	Name    string `gorm:"column:name;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

// RewardSlot configures one NFT reward minted on quest completion.
// NFTLevel is encoded in the low two decimal digits of every token id issued for the slot.
type RewardSlot struct {
	QuestID     uint64 `gorm:"column:quest_id;primaryKey;autoIncrement:false"`
	TaskID      uint64 `gorm:"column:task_id;primaryKey;autoIncrement:false"`
	NFTContract string `gorm:"column:nft_contract;size:66;not null"`
	NFTLevel    uint64 `gorm:"column:nft_level;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RewardSlot) TableName() string {
	return "quest_reward_slots"
}

// TaskCompletion records that an address satisfied a task. The composite primary key is the
// natural key; rows are never mutated.
type TaskCompletion struct {
	Address            string `gorm:"column:address;primaryKey;size:66;not null"`
	TaskID             uint64 `gorm:"column:task_id;primaryKey;autoIncrement:false;index:idx_completions_task"`
	CompletedAtSeconds int64  `gorm:"column:completed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TaskCompletion) TableName() string {
	return "task_completions"
}

// QuestAward is the exactly-once gate for experience awards.
type QuestAward struct {
	Address          string `gorm:"column:address;primaryKey;size:66;not null"`
	QuestID          uint64 `gorm:"column:quest_id;primaryKey;autoIncrement:false"`
	EntryID          string `gorm:"column:entry_id;size:64;not null"`
	AwardedAtSeconds int64  `gorm:"column:awarded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QuestAward) TableName() string {
	return "quest_awards"
}

// ExperienceEntry is an append-only fact read by leaderboard aggregation.
type ExperienceEntry struct {
	EntryID         string `gorm:"column:entry_id;primaryKey;size:64;not null"`
	Address         string `gorm:"column:address;size:66;not null;index:idx_experience_address_time,priority:1"`
	Experience      int64  `gorm:"column:experience;not null"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_experience_address_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ExperienceEntry) TableName() string {
	return "experience_entries"
}

// Models lists every table owned or read by the ledger, in migration order.
func Models() []any {
	return []any{
		&Quest{},
		&Task{},
		&RewardSlot{},
		&TaskCompletion{},
		&QuestAward{},
		&ExperienceEntry{},
	}
}
