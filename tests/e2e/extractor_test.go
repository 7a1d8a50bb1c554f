package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vdtri/extractor/internal/artifact"
	"github.com/vdtri/extractor/internal/control"
	"github.com/vdtri/extractor/internal/core/config"
	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/infra/storage/file"
	"github.com/vdtri/extractor/internal/transfer"
)

// newUpstream serves a source document, a versioned script and a
// range-capable payload, standing in for the remote service.
func newUpstream(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"jsUrl":"/s/player/e2e001/player_ias.vflset/en_US/player.js"}`)
	})
	mux.HandleFunc("/s/player/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `var cfg={sts:20777};a.sig||e2Fn(`)
	})
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "media", time.Unix(1700000000, 0), bytes.NewReader(payload))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, upstream string) *control.Service {
	t.Helper()

	cfg := control.Config{
		Port:  0,
		State: file.Config{Dir: filepath.Join(t.TempDir(), "state")},
		Artifact: config.ArtifactConfig{
			Cache: artifact.Config{
				SourceURL: upstream + "/watch",
				BaseURL:   upstream,
				TTL:       time.Hour,
			},
		},
		Transfer: config.TransferConfig{
			Engine:        transfer.Config{ChunkSize: 1024, CheckpointEvery: 2},
			MaxConcurrent: 2,
		},
	}

	svc, err := control.NewService(cfg)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc
}

func TestSubmitTransfersPayload(t *testing.T) {
	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srv := newUpstream(t, payload)
	svc := newService(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	target := filepath.Join(t.TempDir(), "out.bin")
	res := domain.ResourceDescriptor{ResourceID: "res-e2e", URL: srv.URL + "/media"}

	jobID, err := svc.Submit(ctx, res, target)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if jobID == "" {
		t.Fatal("Submit returned empty job id")
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("Target not written: %v", err)
	}
	if len(got) != len(payload) {
		t.Errorf("Transferred %d bytes, want %d", len(got), len(payload))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestArtifactSynchronizes(t *testing.T) {
	srv := newUpstream(t, []byte("unused"))
	svc := newService(t, srv.URL)

	rec, err := svc.Artifact(context.Background(), false)
	if err != nil {
		t.Fatalf("Artifact failed: %v", err)
	}
	if rec.SigningTimestamp != "20777" {
		t.Errorf("SigningTimestamp = %q, want 20777", rec.SigningTimestamp)
	}
}

func TestGracefulShutdown(t *testing.T) {
	srv := newUpstream(t, []byte("unused"))
	svc := newService(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the components settle, then trigger shutdown.
	time.Sleep(100 * time.Millisecond)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
