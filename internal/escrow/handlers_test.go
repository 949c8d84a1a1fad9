package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore(), newMockLedger())
	h := NewHandler(svc, slog.Default())

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	return r, svc
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

func TestGetEscrowEndpoint(t *testing.T) {
	r, svc := setupHandlerTest(t)
	escrow, err := svc.Create(context.Background(), "bk_test", testPayer, testProvider, 5000)
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "GET", "/v1/escrows/"+escrow.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Escrow.ID != escrow.ID || resp.Escrow.State != StateCreated {
		t.Errorf("unexpected escrow: %+v", resp.Escrow)
	}
}

func TestGetEscrowEndpoint_NotFound(t *testing.T) {
	r, _ := setupHandlerTest(t)
	w := doJSON(t, r, "GET", "/v1/escrows/esc_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeliverAndReleaseEndpoints(t *testing.T) {
	r, svc := setupHandlerTest(t)
	ctx := context.Background()
	escrow, err := svc.Create(ctx, "bk_test", testPayer, testProvider, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Lock(ctx, escrow.ID, testPayer); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/escrows/"+escrow.ID+"/deliver", gin.H{"actorId": testProvider})
	if w.Code != http.StatusOK {
		t.Fatalf("deliver status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", "/v1/escrows/"+escrow.ID+"/release", gin.H{"actorId": testPayer})
	if w.Code != http.StatusOK {
		t.Fatalf("release status = %d, body = %s", w.Code, w.Body.String())
	}

	got, _ := svc.Get(ctx, escrow.ID)
	if got.State != StateReleased {
		t.Errorf("state = %s, want released", got.State)
	}
}

func TestDeliverEndpoint_WrongActor(t *testing.T) {
	r, svc := setupHandlerTest(t)
	ctx := context.Background()
	escrow, err := svc.Create(ctx, "bk_test", testPayer, testProvider, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Lock(ctx, escrow.ID, testPayer); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/escrows/"+escrow.ID+"/deliver", gin.H{"actorId": testPayer})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestReleaseEndpoint_InvalidTransition(t *testing.T) {
	r, svc := setupHandlerTest(t)
	escrow, err := svc.Create(context.Background(), "bk_test", testPayer, testProvider, 5000)
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/escrows/"+escrow.ID+"/release", gin.H{"actorId": testPayer})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestListEscrowsByAccountEndpoint(t *testing.T) {
	r, svc := setupHandlerTest(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, "bk_test", testPayer, testProvider, 5000); err != nil {
			t.Fatal(err)
		}
	}

	w := doJSON(t, r, "GET", "/v1/accounts/"+testProvider+"/escrows?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Escrows []Escrow `json:"escrows"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Escrows) != 2 {
		t.Errorf("got %d escrows, want 2", len(resp.Escrows))
	}
}
