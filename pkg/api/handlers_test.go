package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hamgam/exportd/pkg/exporter"
	"github.com/hamgam/exportd/pkg/gateway"
	"github.com/hamgam/exportd/pkg/jobstore"
	"github.com/hamgam/exportd/pkg/orchestrator"
	"github.com/hamgam/exportd/pkg/retry"
	"github.com/hamgam/exportd/pkg/signing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type rowProvider struct {
	header []string
	rows   [][]string
}

func (p rowProvider) Rows(ctx context.Context, filters map[string]string) ([]string, [][]string, error) {
	for name := range filters {
		known := false
		for _, h := range p.header {
			if h == name {
				known = true
			}
		}
		if !known {
			return nil, nil, &orchestrator.ValidationError{Detail: "unknown filter column " + name}
		}
	}
	return p.header, p.rows, nil
}

type harness struct {
	handler http.Handler
	orch    *orchestrator.Orchestrator
	store   *jobstore.MemoryStore
	root    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	ring, err := signing.NewKeyRing([]signing.Key{
		{KID: "k1", Secret: testSecret, State: signing.KeyActive},
	})
	require.NoError(t, err)
	signer := signing.NewSigner(ring, nil)

	store := jobstore.NewMemoryStore()
	provider := rowProvider{
		header: []string{"student_id", "name", "year"},
		rows:   [][]string{{"1", "Sara", "1402"}, {"2", "Amir", "1402"}},
	}
	orch := orchestrator.New(orchestrator.Config{
		Workers: 2,
		Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, store, exporter.NewCSV(root, provider), nil)
	orch.Start(context.Background())
	t.Cleanup(orch.Shutdown)

	gw := gateway.New(root, signer, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(orch, signer, gw, time.Minute, logger)

	return &harness{handler: srv.Routes(nil), orch: orch, store: store, root: root}
}

func (h *harness) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) orchestrator.Job {
	t.Helper()
	var job orchestrator.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	return job
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestSubmitAndPoll(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/exports",
		`{"filters":{"year":"1402"},"idempotency_key":"abc","namespace":"1402"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeJob(t, rec)
	require.NotEmpty(t, job.ID)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	done, err := h.orch.AwaitCompletion(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuccess, done.Status)

	rec = h.do(t, http.MethodGet, "/exports/"+job.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decodeJob(t, rec)
	require.Equal(t, orchestrator.StatusSuccess, fetched.Status)
	require.NotNil(t, fetched.Manifest)
}

func TestSubmitLinkDownloadRoundTrip(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/exports",
		`{"filters":{"year":"1402"},"idempotency_key":"rt-1","namespace":"1402"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeJob(t, rec)

	done, err := h.orch.AwaitCompletion(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuccess, done.Status)
	require.Len(t, done.Manifest.Files, 1)

	rec = h.do(t, http.MethodPost, "/exports/"+job.ID+"/links", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var links linksResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&links))
	require.Len(t, links.Links, 1)
	require.Equal(t, done.Manifest.Files[0].Name, links.Links[0].Name)
	require.True(t, strings.HasPrefix(links.Links[0].URL, "/download/"))

	rec = h.do(t, http.MethodGet, links.Links[0].URL, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.Bytes()
	sum := sha256.Sum256(body)
	require.Equal(t, done.Manifest.Files[0].SHA256, hex.EncodeToString(sum[:]))
	require.Equal(t, `"`+done.Manifest.Files[0].SHA256+`"`, rec.Header().Get("ETag"))
	require.True(t, bytes.Contains(body, []byte("Sara")))
}

func TestSubmitRejectsBadJSON(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/exports", `{"filters":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, orchestrator.CodeValidation, decodeError(t, rec).Code)
}

func TestSubmitRejectsMissingKey(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/exports", `{"namespace":"1402"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, orchestrator.CodeValidation, decodeError(t, rec).Code)
}

func TestSubmitIdempotencyKeyHeader(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/exports", `{"namespace":"1402"}`,
		map[string]string{"Idempotency-Key": "hdr-key"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "hdr-key", decodeJob(t, rec).IdempotencyKey)
}

func TestSubmitCrossInstanceDuplicate(t *testing.T) {
	h := newHarness(t)
	created, err := h.store.SetIfAbsent(context.Background(),
		"export:dedup:1402:taken", "remote-job", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	rec := h.do(t, http.MethodPost, "/exports",
		`{"idempotency_key":"taken","namespace":"1402"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, orchestrator.CodeDuplicate, decodeError(t, rec).Code)
}

func TestSubmitSameInstanceDedupReturnsExisting(t *testing.T) {
	h := newHarness(t)

	first := decodeJob(t, h.do(t, http.MethodPost, "/exports",
		`{"idempotency_key":"same","namespace":"1402"}`, nil))
	second := h.do(t, http.MethodPost, "/exports",
		`{"idempotency_key":"same","namespace":"1402"}`, nil)
	require.Equal(t, http.StatusAccepted, second.Code)
	require.Equal(t, first.ID, decodeJob(t, second).ID)
}

func TestGetUnknownJob(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/exports/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinksUnknownJob(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/exports/ghost/links", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinksRequireSuccessfulJob(t *testing.T) {
	h := newHarness(t)

	// An unknown filter column fails validation, so the job ends FAILED.
	rec := h.do(t, http.MethodPost, "/exports",
		`{"filters":{"city":"Tehran"},"idempotency_key":"bad-1","namespace":"1402"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeJob(t, rec)

	done, err := h.orch.AwaitCompletion(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusFailed, done.Status)
	require.Equal(t, orchestrator.CodeValidation, done.Error.Code)

	rec = h.do(t, http.MethodPost, "/exports/"+job.ID+"/links", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodGet, "/exports", "", nil).Code)
	require.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodDelete, "/exports/x", "", nil).Code)
	require.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodGet, "/exports/x/links", "", nil).Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-77"})
	require.Equal(t, "req-77", rec.Header().Get("X-Request-ID"))
}

func TestRateLimiter(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 1)
	var hits int
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:4000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	require.Equal(t, 1, hits)

	// A different client is not affected.
	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.RemoteAddr = "10.0.0.2:4000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}
