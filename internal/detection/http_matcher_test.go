package detection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"proctor/internal/pipeline"
)

func TestHTTPMatcherHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    HealthResponse
		wantErr bool
	}{
		{"healthy", http.StatusOK, HealthResponse{Status: "healthy", ModelLoaded: true}, false},
		{"model missing", http.StatusOK, HealthResponse{Status: "healthy"}, true},
		{"server error", http.StatusInternalServerError, HealthResponse{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			m := NewHTTPMatcher(HTTPMatcherConfig{Endpoint: srv.URL})
			err := m.LoadModel(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadModel error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPMatcherMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/match" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if got := r.FormValue("student_id"); got != "s-42" {
			t.Errorf("student_id = %q", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		w.Write([]byte(`{"distance": 0.72, "confidence": 0.3}`))
	}))
	defer srv.Close()

	m := NewHTTPMatcher(HTTPMatcherConfig{Endpoint: srv.URL + "/", StudentID: "s-42", Threshold: 0.6})
	res, err := m.MatchWithDetails(context.Background(), testFrame(), pipeline.FaceRegion{BBox: pipeline.BBox{X: 1, Y: 1, W: 4, H: 4}})
	if err != nil {
		t.Fatalf("MatchWithDetails: %v", err)
	}
	if res.Matched {
		t.Error("distance above threshold should not match")
	}
	if res.Threshold != 0.6 {
		t.Errorf("threshold = %v", res.Threshold)
	}
}

func TestHTTPMatcherRejectsFaceOutsideFrame(t *testing.T) {
	m := NewHTTPMatcher(HTTPMatcherConfig{Endpoint: "http://127.0.0.1:1"})
	_, err := m.MatchWithDetails(context.Background(), testFrame(), pipeline.FaceRegion{BBox: pipeline.BBox{X: 50, Y: 50, W: 4, H: 4}})
	if err == nil {
		t.Fatal("expected error for empty crop")
	}
}
