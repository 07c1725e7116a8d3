package httputils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestResultSend(t *testing.T) {
	var tests = []struct {
		result     RequestResult
		wantStatus int
		wantBody   string
	}{
		{RequestResult{Result: map[string]int{"n": 1}}, http.StatusOK, `{"result":{"n":1}}`},
		{RequestResult{Err: errors.New("bad")}, http.StatusNotAcceptable, `{"result":null,"error":"bad"}`},
		{RequestResult{Err: errors.New("gone"), Status: http.StatusNotFound}, http.StatusNotFound, `{"result":null,"error":"gone"}`},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		tt.result.Send(w)
		if w.Code != tt.wantStatus {
			t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
		}
		if w.Body.String() != tt.wantBody {
			t.Errorf("expected body %s, got %s", tt.wantBody, w.Body.String())
		}
	}
}

func TestParseRequest(t *testing.T) {
	var out struct {
		Command string `json:"command"`
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/exec", strings.NewReader(`{"command":"ls"}`))
	w := httptest.NewRecorder()
	if err := ParseRequest(w, r, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Command != "ls" {
		t.Errorf("expected command ls, got %q", out.Command)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/exec", strings.NewReader(`{not json`))
	w = httptest.NewRecorder()
	if err := ParseRequest(w, r, &out); err == nil {
		t.Fatalf("expected an error for a malformed body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected a 400, got %d", w.Code)
	}
}

func TestGetAccessToken(t *testing.T) {
	var tests = []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Bearer undefined", "", false},
		{"Basic Zm9vOmJhcg==", "", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := GetAccessToken(r)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("GetAccessToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"key": "value"})
	if w.Code != http.StatusCreated || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("unexpected response: %d %v", w.Code, w.Header())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["key"] != "value" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}
