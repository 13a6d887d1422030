package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/questrewards/internal/auth"
	"github.com/MarcoPoloResearchLab/questrewards/internal/quests"
	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	testAddress        = "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"
	testAddressMixed   = "0x49D36570D4E46F48E99674BD3FCC84644DDD6B96F7C741B1562B82F9E004DC7"
	testRewardContract = "0x07a6f98c03379b9513ca84cca1373ff452a7462a3b61598f0af5bb27ad7f76d1"
)

type stubQuestService struct {
	upsertOutcome quests.CompletionOutcome
	progress      quests.QuestProgress
	vouchers      []quests.RewardVoucher
	err           error

	lastAddress stark.Address
	lastTaskID  quests.TaskID
	lastQuestID quests.QuestID
}

func (s *stubQuestService) UpsertCompletion(_ context.Context, address stark.Address, taskID quests.TaskID) (quests.CompletionOutcome, error) {
	s.lastAddress = address
	s.lastTaskID = taskID
	return s.upsertOutcome, s.err
}

func (s *stubQuestService) QuestProgress(_ context.Context, address stark.Address, questID quests.QuestID) (quests.QuestProgress, error) {
	s.lastAddress = address
	s.lastQuestID = questID
	return s.progress, s.err
}

func (s *stubQuestService) Claim(_ context.Context, address stark.Address, questID quests.QuestID) ([]quests.RewardVoucher, error) {
	s.lastAddress = address
	s.lastQuestID = questID
	return s.vouchers, s.err
}

func newTestRouter(t *testing.T, service QuestService, scopes ...string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		QuestService:   service,
		Authenticator:  stubAuthenticator{claims: callerClaims("collaborator", scopes...)},
		MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func performJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBuffer(nil)
	} else {
		reader = bytes.NewBufferString(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer test-token")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Authenticator: stubAuthenticator{}}); err == nil {
		t.Fatalf("expected missing quest service error")
	}
	if _, err := NewHTTPHandler(Dependencies{QuestService: &stubQuestService{}}); err == nil {
		t.Fatalf("expected missing authenticator error")
	}
}

func TestHandleUpsertCompletionNormalizesAddress(t *testing.T) {
	service := &stubQuestService{}
	router := newTestRouter(t, service, auth.ScopeCompletionsWrite)

	recorder := performJSON(t, router, http.MethodPost, "/completions",
		fmt.Sprintf(`{"address":%q,"task_id":11}`, testAddressMixed))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if service.lastAddress.String() != testAddress {
		t.Fatalf("expected normalized address, got %s", service.lastAddress)
	}
	if service.lastTaskID != quests.TaskID(11) {
		t.Fatalf("unexpected task id %d", service.lastTaskID)
	}
}

func TestHandleUpsertCompletionRejectsInvalidInput(t *testing.T) {
	router := newTestRouter(t, &stubQuestService{}, auth.ScopeCompletionsWrite)

	testCases := []struct {
		name     string
		body     string
		expected string
	}{
		{name: "malformed json", body: `{"address":`, expected: errorInvalidInput},
		{name: "zero address", body: `{"address":"0x0","task_id":11}`, expected: errorInvalidAddr},
		{name: "missing task", body: fmt.Sprintf(`{"address":%q}`, testAddress), expected: errorInvalidInput},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := performJSON(t, router, http.MethodPost, "/completions", testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			if decodeBody(t, recorder)["error"] != testCase.expected {
				t.Fatalf("unexpected error body %s", recorder.Body.String())
			}
		})
	}
}

func TestServiceErrorsMapToStatuses(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		status   int
		expected string
	}{
		{name: "task not found", err: quests.ErrTaskNotFound, status: http.StatusNotFound, expected: "task_not_found"},
		{name: "quest not found", err: quests.ErrQuestNotFound, status: http.StatusNotFound, expected: "quest_not_found"},
		{name: "quest incomplete", err: quests.ErrQuestIncomplete, status: http.StatusConflict, expected: "quest_incomplete"},
		{name: "storage", err: fmt.Errorf("%w: timeout", quests.ErrStorageUnavailable), status: http.StatusServiceUnavailable, expected: "try_again_later"},
		{name: "signature", err: quests.ErrSignatureFailed, status: http.StatusInternalServerError, expected: "signature_failed"},
		{name: "unknown", err: fmt.Errorf("boom"), status: http.StatusInternalServerError, expected: errorInternalError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := newTestRouter(t, &stubQuestService{err: testCase.err}, auth.ScopeRewardsRead)
			recorder := performJSON(t, router, http.MethodPost, "/quests/1/claim", fmt.Sprintf(`{"address":%q}`, testAddress))
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			if decodeBody(t, recorder)["error"] != testCase.expected {
				t.Fatalf("unexpected error body %s", recorder.Body.String())
			}
			if testCase.status == http.StatusServiceUnavailable && recorder.Header().Get("Retry-After") == "" {
				t.Fatalf("expected Retry-After header")
			}
		})
	}
}

func TestHandleClaimSerializesVouchers(t *testing.T) {
	service := &stubQuestService{
		vouchers: []quests.RewardVoucher{
			{
				TaskID:      12,
				NFTContract: testRewardContract,
				TokenID:     4207,
				Signature:   stark.Signature{R: big.NewInt(0xabc), S: big.NewInt(0xdef)},
			},
		},
	}
	router := newTestRouter(t, service, auth.ScopeRewardsRead)

	recorder := performJSON(t, router, http.MethodPost, "/quests/3/claim", fmt.Sprintf(`{"address":%q}`, testAddress))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if service.lastQuestID != quests.QuestID(3) {
		t.Fatalf("unexpected quest id %d", service.lastQuestID)
	}

	var payload claimResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode claim response: %v", err)
	}
	if len(payload.Vouchers) != 1 {
		t.Fatalf("expected one voucher, got %d", len(payload.Vouchers))
	}
	voucher := payload.Vouchers[0]
	if voucher.TaskID != 12 || voucher.TokenID != 4207 || voucher.NFTContract != testRewardContract {
		t.Fatalf("unexpected voucher %#v", voucher)
	}
	expectedR := "0x0000000000000000000000000000000000000000000000000000000000000abc"
	if voucher.Signature[0] != expectedR {
		t.Fatalf("unexpected r %s", voucher.Signature[0])
	}
}

func TestHandleClaimRejectsInvalidQuestID(t *testing.T) {
	router := newTestRouter(t, &stubQuestService{}, auth.ScopeRewardsRead)
	for _, path := range []string{"/quests/0/claim", "/quests/abc/claim"} {
		recorder := performJSON(t, router, http.MethodPost, path, fmt.Sprintf(`{"address":%q}`, testAddress))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", path, recorder.Code)
		}
	}
}

func TestHandleQuestCompletionReportsProgress(t *testing.T) {
	service := &stubQuestService{progress: quests.QuestProgress{QuestID: 5, Completed: 2, Total: 3}}
	router := newTestRouter(t, service, auth.ScopeRewardsRead)

	recorder := performJSON(t, router, http.MethodGet, "/quests/5/completion?address="+testAddress, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload questCompletionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Completed || payload.CompletedTasks != 2 || payload.TotalTasks != 3 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestHealthAndMetricsAreUnauthenticated(t *testing.T) {
	router := newTestRouter(t, &stubQuestService{})

	for _, path := range []string{"/healthz", "/metrics"} {
		request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, recorder.Code)
		}
	}
}
