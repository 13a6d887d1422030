package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/auth"
	"github.com/MarcoPoloResearchLab/questrewards/internal/database"
	"github.com/MarcoPoloResearchLab/questrewards/internal/quests"
	"github.com/MarcoPoloResearchLab/questrewards/internal/server"
	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	callerSigningSecret = "integration-secret"
	callerIssuer        = "questrewards"
	signerPrivateKey    = "0x3c1e9550e66958296d11b60f8e8e7a7ad990d07fa65d5f7652c4a6c87d4e3cc"
	playerAddress       = "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"
	rewardContract      = "0x07a6f98c03379b9513ca84cca1373ff452a7462a3b61598f0af5bb27ad7f76d1"
	jsonContentType     = "application/json"
)

type integrationHarness struct {
	server      *httptest.Server
	signer      *stark.Signer
	writerToken string
	readerToken string
}

func newHarness(testContext *testing.T) *integrationHarness {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	seedCampaign(testContext, db)

	signer, err := stark.NewSigner(signerPrivateKey)
	if err != nil {
		testContext.Fatalf("failed to construct signer: %v", err)
	}
	registry := prometheus.NewRegistry()
	questService, err := quests.NewService(quests.ServiceConfig{
		Database:   db,
		IDProvider: quests.NewUUIDProvider(),
		Signer:     signer,
		Metrics:    quests.NewMetrics(registry),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build quests service: %v", err)
	}

	validator, err := auth.NewCallerValidator(auth.CallerValidatorConfig{
		SigningSecret: []byte(callerSigningSecret),
		Issuer:        callerIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to construct caller validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(callerSigningSecret),
		Issuer:        callerIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}
	writerToken, _, err := issuer.IssueCallerToken(context.Background(), "verifier", []string{auth.ScopeCompletionsWrite})
	if err != nil {
		testContext.Fatalf("failed to mint writer token: %v", err)
	}
	readerToken, _, err := issuer.IssueCallerToken(context.Background(), "rewards-ui", []string{auth.ScopeRewardsRead})
	if err != nil {
		testContext.Fatalf("failed to mint reader token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		QuestService:   questService,
		Authenticator:  validator,
		Events:         server.NewEventDispatcher(),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	return &integrationHarness{
		server:      testServer,
		signer:      signer,
		writerToken: writerToken,
		readerToken: readerToken,
	}
}

func seedCampaign(testContext *testing.T, db *gorm.DB) {
	testContext.Helper()
	records := []any{
		&quests.Quest{ID: 1, Name: "onboarding", Experience: 250},
		&quests.Task{ID: 10, QuestID: 1, Name: "connect-wallet"},
		&quests.Task{ID: 11, QuestID: 1, Name: "first-swap"},
		&quests.RewardSlot{QuestID: 1, TaskID: 10, NFTContract: rewardContract, NFTLevel: 3},
		&quests.RewardSlot{QuestID: 1, TaskID: 11, NFTContract: rewardContract, NFTLevel: 9},
	}
	for _, record := range records {
		if err := db.Create(record).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", record, err)
		}
	}
}

func (h *integrationHarness) do(testContext *testing.T, method, path, token string, body any) (int, []byte) {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		testContext.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, payload
}

type completionResponse struct {
	Status            string `json:"status"`
	QuestID           uint64 `json:"quest_id"`
	QuestCompleted    bool   `json:"quest_completed"`
	ExperienceAwarded bool   `json:"experience_awarded"`
}

func (h *integrationHarness) complete(testContext *testing.T, address string, taskID uint64) completionResponse {
	testContext.Helper()
	status, payload := h.do(testContext, http.MethodPost, "/completions", h.writerToken,
		map[string]any{"address": address, "task_id": taskID})
	if status != http.StatusOK {
		testContext.Fatalf("completion of task %d failed with %d: %s", taskID, status, payload)
	}
	var response completionResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		testContext.Fatalf("failed to decode completion response: %v", err)
	}
	return response
}

type claimResponse struct {
	Vouchers []struct {
		TaskID      uint64    `json:"task_id"`
		NFTContract string    `json:"nft_contract"`
		TokenID     uint64    `json:"token_id"`
		Signature   [2]string `json:"sig"`
	} `json:"vouchers"`
}

func TestCompletionAndClaimFlow(testContext *testing.T) {
	harness := newHarness(testContext)

	status, _ := harness.do(testContext, http.MethodPost, "/quests/1/claim", harness.readerToken,
		map[string]any{"address": playerAddress})
	if status != http.StatusConflict {
		testContext.Fatalf("expected claim before completion to conflict, got %d", status)
	}

	first := harness.complete(testContext, playerAddress, 10)
	if first.Status != "inserted" || first.QuestCompleted || first.ExperienceAwarded {
		testContext.Fatalf("unexpected first completion %+v", first)
	}

	mixedCase := "0x" + strings.ToUpper(strings.TrimPrefix(playerAddress, "0x0"))
	second := harness.complete(testContext, mixedCase, 11)
	if second.Status != "inserted" || !second.QuestCompleted || !second.ExperienceAwarded {
		testContext.Fatalf("unexpected second completion %+v", second)
	}

	replay := harness.complete(testContext, playerAddress, 11)
	if replay.Status != "already_exists" || !replay.QuestCompleted || replay.ExperienceAwarded {
		testContext.Fatalf("unexpected replayed completion %+v", replay)
	}

	status, payload := harness.do(testContext, http.MethodGet, "/quests/1/completion?address="+playerAddress, harness.readerToken, nil)
	if status != http.StatusOK || !strings.Contains(string(payload), `"completed":true`) {
		testContext.Fatalf("unexpected completion status %d: %s", status, payload)
	}

	status, payload = harness.do(testContext, http.MethodPost, "/quests/1/claim", harness.readerToken,
		map[string]any{"address": playerAddress})
	if status != http.StatusOK {
		testContext.Fatalf("claim failed with %d: %s", status, payload)
	}
	var claim claimResponse
	if err := json.Unmarshal(payload, &claim); err != nil {
		testContext.Fatalf("failed to decode claim: %v", err)
	}
	if len(claim.Vouchers) != 2 {
		testContext.Fatalf("expected two vouchers, got %d", len(claim.Vouchers))
	}

	recipient, err := stark.NewAddress(playerAddress)
	if err != nil {
		testContext.Fatalf("unexpected address error: %v", err)
	}
	expectedLevels := map[uint64]uint64{10: 3, 11: 9}
	for _, voucher := range claim.Vouchers {
		if voucher.NFTContract != rewardContract {
			testContext.Fatalf("unexpected contract %s", voucher.NFTContract)
		}
		if voucher.TokenID%100 != expectedLevels[voucher.TaskID] {
			testContext.Fatalf("token id %d does not encode level for task %d", voucher.TokenID, voucher.TaskID)
		}
		r, err := stark.ParseFelt(voucher.Signature[0])
		if err != nil {
			testContext.Fatalf("invalid r: %v", err)
		}
		s, err := stark.ParseFelt(voucher.Signature[1])
		if err != nil {
			testContext.Fatalf("invalid s: %v", err)
		}
		commitment := stark.Commit(voucher.TokenID, 1, voucher.TaskID, recipient)
		if !harness.signer.Verify(commitment, stark.Signature{R: r.BigInt(), S: s.BigInt()}) {
			testContext.Fatalf("voucher for task %d does not verify", voucher.TaskID)
		}
	}

	status, payload = harness.do(testContext, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK || !strings.Contains(string(payload), "questrewards_quest_awards_total 1") {
		testContext.Fatalf("expected one award in metrics, got %d: %s", status, payload)
	}
}

func TestCallerScopesAreEnforced(testContext *testing.T) {
	harness := newHarness(testContext)

	status, _ := harness.do(testContext, http.MethodPost, "/completions", harness.readerToken,
		map[string]any{"address": playerAddress, "task_id": 10})
	if status != http.StatusForbidden {
		testContext.Fatalf("expected reader token to be forbidden from writing, got %d", status)
	}

	status, _ = harness.do(testContext, http.MethodPost, "/completions", "", map[string]any{"address": playerAddress, "task_id": 10})
	if status != http.StatusUnauthorized {
		testContext.Fatalf("expected missing token to be unauthorized, got %d", status)
	}

	status, _ = harness.do(testContext, http.MethodPost, "/completions", harness.writerToken,
		map[string]any{"address": playerAddress, "task_id": 99})
	if status != http.StatusNotFound {
		testContext.Fatalf("expected unknown task to be not found, got %d", status)
	}
}
