package quests

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testAddress    = "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"
	testAddressAlt = "0x0000000000000000000000000000000000000000000000000000000000000abc"
	testSignerKey  = "0x3c1e9550e66958296d11b60f8e8e7a7ad990d07fa65d5f7652c4a6c87d4e3cc"
	testNFTAddress = "0x07a6f98c03379b9513ca84cca1373ff452a7462a3b61598f0af5bb27ad7f76d1"
)

type sequentialIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("entry-%04d", g.counter), nil
}

type sequentialTokenIDs struct {
	mu   sync.Mutex
	next uint64
}

func (g *sequentialTokenIDs) NextTokenID(level uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return level + levelRadix*g.next, nil
}

type testServiceOptions struct {
	signer   VoucherSigner
	tokenIDs TokenIDGenerator
	metrics  *Metrics
	listener CompletionListener
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:questrewards_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, options testServiceOptions) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	signer := options.signer
	if signer == nil {
		signer = mustSigner(t)
	}
	tokenIDs := options.tokenIDs
	if tokenIDs == nil {
		tokenIDs = &sequentialTokenIDs{}
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequentialIDGenerator{},
		Signer:     signer,
		TokenIDs:   tokenIDs,
		Metrics:    options.metrics,
		Listener:   options.listener,
	})
	if err != nil {
		t.Fatalf("failed to construct quests service: %v", err)
	}
	return service, db
}

// seedQuest stores a quest with the provided task ids and one reward slot on the last task.
func seedQuest(t *testing.T, db *gorm.DB, quest Quest, taskIDs ...uint64) {
	t.Helper()

	if quest.CompletionPolicy == "" {
		quest.CompletionPolicy = CompletionPolicyAllTasks
	}
	if err := db.Create(&quest).Error; err != nil {
		t.Fatalf("failed to seed quest: %v", err)
	}
	for _, taskID := range taskIDs {
		task := Task{ID: taskID, QuestID: quest.ID, Name: fmt.Sprintf("task-%d", taskID)}
		if err := db.Create(&task).Error; err != nil {
			t.Fatalf("failed to seed task %d: %v", taskID, err)
		}
	}
	if len(taskIDs) > 0 {
		slot := RewardSlot{
			QuestID:     quest.ID,
			TaskID:      taskIDs[len(taskIDs)-1],
			NFTContract: testNFTAddress,
			NFTLevel:    7,
		}
		if err := db.Create(&slot).Error; err != nil {
			t.Fatalf("failed to seed reward slot: %v", err)
		}
	}
}

func mustAddress(t *testing.T, raw string) stark.Address {
	t.Helper()
	address, err := stark.NewAddress(raw)
	if err != nil {
		t.Fatalf("unexpected address error: %v", err)
	}
	return address
}

func mustSigner(t *testing.T) *stark.Signer {
	t.Helper()
	signer, err := stark.NewSigner(testSignerKey)
	if err != nil {
		t.Fatalf("unexpected signer error: %v", err)
	}
	return signer
}

func countExperienceEntries(t *testing.T, db *gorm.DB, address stark.Address) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&ExperienceEntry{}).Where("address = ?", address.String()).Count(&count).Error; err != nil {
		t.Fatalf("failed to count experience entries: %v", err)
	}
	return count
}
