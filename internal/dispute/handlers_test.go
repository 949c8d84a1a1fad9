package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nexusmarket/nexus/internal/escrow"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *Service, *escrow.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	escrows := escrow.NewService(escrow.NewMemoryStore(), newTestLedger())
	svc := NewService(NewMemoryStore(), escrows)
	h := NewHandler(svc, slog.Default())

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(r.Group("/admin"))
	return r, svc, escrows
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func lockedEscrow(t *testing.T, escrows *escrow.Service) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	esc, err := escrows.Create(ctx, "bk_test", testPayer, testProvider, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := escrows.Lock(ctx, esc.ID, testPayer); err != nil {
		t.Fatal(err)
	}
	return esc
}

func TestOpenDisputeEndpoint(t *testing.T) {
	r, _, escrows := setupHandlerTest(t)
	esc := lockedEscrow(t, escrows)

	w := doJSON(t, r, "POST", "/v1/escrows/"+esc.ID+"/dispute",
		gin.H{"actorId": testPayer, "reason": "never delivered"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Dispute.Status != StatusOpen || resp.Dispute.EscrowID != esc.ID {
		t.Errorf("unexpected dispute: %+v", resp.Dispute)
	}
}

func TestOpenDisputeEndpoint_AlreadyOpen(t *testing.T) {
	r, svc, escrows := setupHandlerTest(t)
	esc := lockedEscrow(t, escrows)
	if _, err := svc.Open(context.Background(), esc.ID, testPayer, "first"); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/escrows/"+esc.ID+"/dispute",
		gin.H{"actorId": testProvider, "reason": "second"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestOpenDisputeEndpoint_MissingReason(t *testing.T) {
	r, _, escrows := setupHandlerTest(t)
	esc := lockedEscrow(t, escrows)

	w := doJSON(t, r, "POST", "/v1/escrows/"+esc.ID+"/dispute", gin.H{"actorId": testPayer})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetDisputeEndpoint_NotFound(t *testing.T) {
	r, _, _ := setupHandlerTest(t)
	w := doJSON(t, r, "GET", "/v1/disputes/dsp_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSubmitEvidenceEndpoint(t *testing.T) {
	r, svc, escrows := setupHandlerTest(t)
	esc := lockedEscrow(t, escrows)
	dispute, err := svc.Open(context.Background(), esc.ID, testPayer, "reason")
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/disputes/"+dispute.ID+"/evidence",
		gin.H{"actorId": testProvider, "content": "delivery receipt"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", "/v1/disputes/"+dispute.ID+"/evidence",
		gin.H{"actorId": "acct_outsider111111111111111", "content": "irrelevant"})
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", w.Code)
	}
}

func TestResolveDisputeEndpoint(t *testing.T) {
	r, svc, escrows := setupHandlerTest(t)
	esc := lockedEscrow(t, escrows)
	dispute, err := svc.Open(context.Background(), esc.ID, testPayer, "reason")
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/admin/disputes/"+dispute.ID+"/resolve",
		gin.H{"actorId": testAdmin, "outcome": "split", "providerShare": 0.4, "note": "partial delivery"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Dispute.Status != StatusResolved || resp.Dispute.Outcome != escrow.OutcomeSplit {
		t.Errorf("unexpected dispute: %+v", resp.Dispute)
	}
}

func TestResolveDisputeEndpoint_BadShare(t *testing.T) {
	r, svc, escrows := setupHandlerTest(t)
	esc := lockedEscrow(t, escrows)
	dispute, err := svc.Open(context.Background(), esc.ID, testPayer, "reason")
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/admin/disputes/"+dispute.ID+"/resolve",
		gin.H{"actorId": testAdmin, "outcome": "split", "providerShare": 1.5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListOpenDisputesEndpoint(t *testing.T) {
	r, svc, escrows := setupHandlerTest(t)
	for i := 0; i < 2; i++ {
		esc := lockedEscrow(t, escrows)
		if _, err := svc.Open(context.Background(), esc.ID, testPayer, "reason"); err != nil {
			t.Fatal(err)
		}
	}

	w := doJSON(t, r, "GET", "/v1/disputes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Disputes []Dispute `json:"disputes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Disputes) != 2 {
		t.Errorf("got %d disputes, want 2", len(resp.Disputes))
	}
}
