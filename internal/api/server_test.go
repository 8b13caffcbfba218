package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remindd/internal/engine"
	"remindd/internal/eventbus"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/timerwheel"
	"remindd/pkg/logx"
)

func newTestServer(t *testing.T) (*Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	timers := timerwheel.New(timerwheel.Config{}, logx.Nop())
	eng, err := engine.New(engine.Config{}, store, timers, nil, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return New(Config{}, eng, store, logx.Nop()), store
}

func doJSON(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createPayload() map[string]any {
	return map[string]any{
		"kind":       "medication",
		"title":      "take meds",
		"anchorTime": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"frequency":  "daily",
		"channels":   []string{"push"},
	}
}

func TestCreateAndListReminders(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/reminders", "alice", createPayload())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body)
	}
	var created reminder.Reminder
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.OwnerID != "alice" || !created.IsActive {
		t.Fatalf("created = %+v", created)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/reminders", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []reminder.Reminder
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	// Another owner sees nothing.
	rec = doJSON(t, h, http.MethodGet, "/api/reminders", "bob", nil)
	if rec.Body.String() == "" || rec.Code != http.StatusOK {
		t.Fatalf("bob list status = %d", rec.Code)
	}
	list = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 0 {
		t.Fatalf("bob sees alice's reminders: %+v", list)
	}
}

func TestCreateValidationReturns400(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := createPayload()
	payload["channels"] = []string{}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/reminders", "alice", payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Fatalf("error body = %s", rec.Body)
	}
}

func TestMissingOwnerHeaderReturns400(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/reminders", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpdateAndDeleteLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/reminders", "alice", createPayload())
	var created reminder.Reminder
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	// Partial body: only the provided field changes.
	rec = doJSON(t, h, http.MethodPut, "/api/reminders/"+created.ID, "alice",
		map[string]any{"title": "take meds with food"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body)
	}
	var updated reminder.Reminder
	_ = json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Title != "take meds with food" {
		t.Fatalf("updated = %+v", updated)
	}
	if updated.Frequency != created.Frequency || !updated.AnchorTime.Equal(created.AnchorTime) {
		t.Fatalf("partial update touched the schedule: %+v", updated)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/reminders/"+created.ID, "alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := store.Get(context.Background(), created.ID); err != storage.ErrNotFound {
		t.Fatal("row survived delete")
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/reminders/"+created.ID, "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

// Foreign reminders are invisible: 404, never 403.
func TestOwnershipEnforced(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/reminders", "alice", createPayload())
	var created reminder.Reminder
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec = doJSON(t, h, method, "/api/reminders/"+created.ID, "bob", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s as bob status = %d, want 404", method, rec.Code)
		}
	}
}

func TestPutContact(t *testing.T) {
	srv, store := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/contact", "alice", map[string]string{
		"pushToken":   "tok",
		"phoneNumber": "+15550100",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	c, err := store.Contact(context.Background(), "alice")
	if err != nil || c.PushToken != "tok" {
		t.Fatalf("contact = %+v, err = %v", c, err)
	}
}
