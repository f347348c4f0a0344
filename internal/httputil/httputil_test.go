package httputil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// loginBody and signalsBody mirror the request shapes internal/web
// decodes through these helpers.
type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signalsBody struct {
	CSRF         string   `json:"csrf"`
	SignalIDs    []uint32 `json:"signalIds"`
	States       []uint16 `json:"states"`
	StartTime90k int64    `json:"startTime90k"`
	EndTime90k   int64    `json:"endTime90k"`
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, http.StatusOK, map[string]string{"timeZoneName": "UTC"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Errorf("failed to unmarshal response: %v", err)
	}
	if result["timeZoneName"] != "UTC" {
		t.Errorf("expected timeZoneName UTC, got %s", result["timeZoneName"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, http.StatusUnauthorized, "unauthenticated")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Errorf("failed to unmarshal response: %v", err)
	}
	if result["error"] != "unauthenticated" {
		t.Errorf("expected error 'unauthenticated', got %s", result["error"])
	}
}

func TestDecodeJSON_Login(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/login",
		strings.NewReader(`{"username": "slamb", "password": "hunter2"}`))
	req.Header.Set("Content-Type", "application/json")

	var result loginBody
	if err := DecodeJSON(req, &result); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result.Username != "slamb" || result.Password != "hunter2" {
		t.Errorf("decoded %+v", result)
	}
}

func TestDecodeJSON_SignalsUpdate(t *testing.T) {
	body := signalsBody{
		CSRF:         "tok",
		SignalIDs:    []uint32{1, 2},
		States:       []uint16{2, 1},
		StartTime90k: 140067462600000,
		EndTime90k:   140067468000000,
	}
	jsonData, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/api/signals", bytes.NewReader(jsonData))
	req.Header.Set("Content-Type", "application/json")

	var result signalsBody
	if err := DecodeJSON(req, &result); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if len(result.SignalIDs) != 2 || result.SignalIDs[1] != 2 || result.States[0] != 2 {
		t.Errorf("decoded %+v", result)
	}
}

func TestDecodeJSON_UnknownFields(t *testing.T) {
	// A misspelled field must not be silently dropped.
	req := httptest.NewRequest("POST", "/api/login",
		strings.NewReader(`{"username": "slamb", "passwrd": "hunter2"}`))
	req.Header.Set("Content-Type", "application/json")

	var result loginBody
	err := DecodeJSON(req, &result)
	if err == nil {
		t.Error("expected error for unknown fields, got nil")
	}
	if !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("expected unknown field error, got %v", err)
	}
}

func TestDecodeJSON_SizeLimit(t *testing.T) {
	// A signals update padded past MaxJSONBodyBytes must be rejected.
	var sb strings.Builder
	sb.WriteString(`{"csrf": "tok", "signalIds": [`)
	for i := 0; sb.Len() < MaxJSONBodyBytes+1; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", i+1)
	}
	sb.WriteString(`]}`)

	req := httptest.NewRequest("POST", "/api/signals", strings.NewReader(sb.String()))
	req.Header.Set("Content-Type", "application/json")

	var result signalsBody
	if err := DecodeJSON(req, &result); err == nil {
		t.Error("expected error for oversized request, got nil")
	}
}

func TestDecodeJSON_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"username": "slamb"`))
	req.Header.Set("Content-Type", "application/json")

	var result loginBody
	if err := DecodeJSON(req, &result); err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/login", bytes.NewReader([]byte{}))
	req.Header.Set("Content-Type", "application/json")

	var result loginBody
	if err := DecodeJSON(req, &result); err == nil {
		t.Error("expected error for empty body, got nil")
	}
}
