package elevenlabs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSynthesize_RequestShape(t *testing.T) {
	var gotPath, gotKey, gotLatency string
	var gotBody synthesizeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotLatency = r.URL.Query().Get("optimize_streaming_latency")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	c, err := New("el-key", "Rachel", WithBaseURL(srv.URL), WithStreamingLatency(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc, err := c.Synthesize(context.Background(), "Hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer rc.Close()

	audio, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(audio) != "mp3-bytes" {
		t.Errorf("audio: got %q", audio)
	}

	if want := "/v1/text-to-speech/Rachel/stream"; gotPath != want {
		t.Errorf("path: want %s, got %s", want, gotPath)
	}
	if gotKey != "el-key" {
		t.Errorf("xi-api-key: got %q", gotKey)
	}
	if gotLatency != "2" {
		t.Errorf("optimize_streaming_latency: got %q", gotLatency)
	}
	if gotBody.Text != "Hello there" || gotBody.ModelID != defaultModel {
		t.Errorf("body: %+v", gotBody)
	}
}

func TestSynthesize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New("bad-key", "Rachel", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Synthesize(context.Background(), "Hello")
	if err == nil {
		t.Fatal("want error for non-200 status")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	c, err := New("k", "v")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Synthesize(context.Background(), ""); err == nil {
		t.Fatal("want error for empty text")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "voice"); err == nil {
		t.Error("want error for empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("want error for empty voice ID")
	}
}
