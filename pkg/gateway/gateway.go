// Package gateway serves export artifacts to capability-token holders. It is
// fully stateless per request: handlers share nothing mutable except the
// metrics sink.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamgam/exportd/pkg/manifest"
	"github.com/hamgam/exportd/pkg/observability"
	"github.com/hamgam/exportd/pkg/retry"
	"github.com/hamgam/exportd/pkg/signing"
)

const streamChunkSize = 64 * 1024

// Gateway handles GET /download/{token}.
type Gateway struct {
	root    string
	signer  *signing.Signer
	policy  retry.Policy
	metrics *observability.Metrics
	logger  *slog.Logger

	// openFile is swappable in tests to inject transient open failures.
	openFile func(name string) (*os.File, error)
}

// New creates a gateway over the workspace root. metrics may be nil.
func New(root string, signer *signing.Signer, policy retry.Policy, metrics *observability.Metrics) *Gateway {
	return &Gateway{
		root:     root,
		signer:   signer,
		policy:   policy,
		metrics:  metrics,
		logger:   slog.Default().With("component", "gateway"),
		openFile: os.Open,
	}
}

// TokenQuery builds the signed query parameters binding a token to one
// artifact's content.
func TokenQuery(f manifest.File) url.Values {
	return url.Values{
		"sha256": {f.SHA256},
		"size":   {strconv.FormatInt(f.ByteSize, 10)},
	}
}

// IssueToken signs a download capability for one manifest entry.
func IssueToken(signer *signing.Signer, namespace string, f manifest.File, ttl time.Duration) (string, error) {
	env, err := signer.Issue(namespace+"/"+f.Name, http.MethodGet, TokenQuery(f), ttl)
	if err != nil {
		return "", fmt.Errorf("issue download token: %w", err)
	}
	return signing.EncodeToken(env), nil
}

// ServeHTTP expects the token as the final path segment: /download/{token}.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	g.Handle(w, r, token)
}

// Handle runs the download sequence. Every outcome increments the
// status-labeled request counter; richer failure detail stays in logs.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, token string) {
	ctx := r.Context()

	// Upstream middleware may already have stamped an id on the response;
	// reuse it so both layers log the same correlation id.
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = w.Header().Get("X-Request-ID")
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)
	logger := g.logger.With("request_id", requestID)

	status, err := g.serve(ctx, w, r, token, logger)
	if err != nil {
		logger.Warn("download rejected", "status", status, "error", err)
	}
	if g.metrics != nil {
		g.metrics.RecordDownload(ctx, status)
	}
}

// serve returns the HTTP status it produced, for the request counter.
func (g *Gateway) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, token string, logger *slog.Logger) (int, error) {
	// 1. Token verification. Expired, forged, malformed and unknown-kid all
	// collapse into one client-visible rejection; the reason is internal.
	env, err := signing.DecodeToken(token)
	if err != nil {
		writeError(w, http.StatusForbidden, CodeInvalidToken, "invalid or expired token")
		return http.StatusForbidden, err
	}
	claims, err := g.signer.Verify(env, r.Method)
	if err != nil {
		writeError(w, http.StatusForbidden, CodeInvalidToken, "invalid or expired token")
		return http.StatusForbidden, err
	}

	// 2. The claimed path must be exactly namespace/filename, each one clean
	// path component.
	namespace, filename, ok := strings.Cut(claims.Path, "/")
	if !ok || !cleanComponent(namespace) || !cleanComponent(filename) {
		writeError(w, http.StatusForbidden, CodeInvalidToken, "invalid or expired token")
		return http.StatusForbidden, fmt.Errorf("token path %q is not namespace/filename", claims.Path)
	}

	// 3. Namespace directory must exist.
	dir := filepath.Join(g.root, namespace)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeError(w, http.StatusNotFound, CodeNotFound, "artifact not found")
		return http.StatusNotFound, fmt.Errorf("namespace dir %s: %w", namespace, err)
	}

	// 4. Atomic-completion guard: a *.part sibling means an export is still
	// being finalized and nothing in the directory is safe to serve.
	if parts, _ := filepath.Glob(filepath.Join(dir, "*.part")); len(parts) > 0 {
		writeError(w, http.StatusConflict, CodeInProgress, "export still in progress")
		return http.StatusConflict, fmt.Errorf("%d part file(s) present", len(parts))
	}

	// 5. Manifest entry for the requested file.
	man, err := manifest.Load(dir)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "artifact not found")
		return http.StatusNotFound, fmt.Errorf("load manifest: %w", err)
	}
	entry, ok := man.Lookup(filename)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "artifact not found")
		return http.StatusNotFound, fmt.Errorf("no manifest entry for %q", filename)
	}

	// 6. Integrity: the token's claims must match the manifest. A mismatch is
	// a uniform not-found, deliberately not a distinct integrity code.
	claimedSize, _ := strconv.ParseInt(claims.Query.Get("size"), 10, 64)
	if !strings.EqualFold(claims.Query.Get("sha256"), entry.SHA256) || claimedSize != entry.ByteSize {
		writeError(w, http.StatusNotFound, CodeNotFound, "artifact not found")
		return http.StatusNotFound, errors.New("token claims do not match manifest")
	}

	// 7. The file on disk must match the manifest too.
	path := filepath.Join(dir, filename)
	info, err := os.Stat(path)
	if err != nil || info.Size() != entry.ByteSize {
		writeError(w, http.StatusNotFound, CodeNotFound, "artifact not found")
		return http.StatusNotFound, fmt.Errorf("artifact stat mismatch: %v", err)
	}
	size := info.Size()

	// 8. Conditional GET. A matching If-None-Match short-circuits before any
	// range evaluation and transfers no bytes.
	etag := `"` + strings.ToLower(entry.SHA256) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return http.StatusNotModified, nil
	}

	// 9. Optional single byte range.
	rng, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, CodeInvalidRange, "unsatisfiable range")
		return http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("range %q: %w", r.Header.Get("Range"), err)
	}

	// 10. Open with the shared retry policy on the open call only.
	var file *os.File
	attempt := 0
	err = retry.Do(ctx, g.policy, requestSeed(r), transientOpen, func() error {
		attempt++
		if attempt > 1 && g.metrics != nil {
			g.metrics.RecordOpenRetry(ctx)
		}
		var openErr error
		file, openErr = g.openFile(path)
		return openErr
	})
	if err != nil {
		if retry.IsExhausted(err) && g.metrics != nil {
			g.metrics.RecordExhausted(ctx, "download_open")
		}
		writeError(w, http.StatusInternalServerError, CodeIOError, "artifact temporarily unavailable")
		return http.StatusInternalServerError, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	// 11. Stream.
	partial := rng.Start != 0 || rng.End != size-1
	setContentHeaders(w, filename)
	w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	sent, err := g.stream(w, file, rng)
	if err != nil {
		// A disconnected client simply stops consuming; not a server error.
		logger.Debug("stream ended early", "sent", sent, "error", err)
	} else if g.metrics != nil {
		g.metrics.RecordDownloadBytes(ctx, sent)
	}
	return status, nil
}

// stream copies [Start, End] in fixed-size chunks.
func (g *Gateway) stream(w io.Writer, file *os.File, rng byteRange) (int64, error) {
	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}

	remaining := rng.length()
	buf := make([]byte, streamChunkSize)
	var sent int64
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := io.ReadFull(file, buf[:n])
		if read > 0 {
			written, werr := w.Write(buf[:read])
			sent += int64(written)
			if werr != nil {
				return sent, werr
			}
		}
		if err != nil {
			return sent, err
		}
		remaining -= int64(read)
	}
	return sent, nil
}

// transientOpen treats OS-level failures other than definite rejections as
// retryable.
func transientOpen(err error) bool {
	return !os.IsNotExist(err) && !os.IsPermission(err)
}

func requestSeed(r *http.Request) string {
	return r.URL.Path
}

// cleanComponent requires a single, non-traversing path segment.
func cleanComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// setContentHeaders sets the download filename in both the plain and the
// RFC 5987 filename* forms, and a best-effort content type by extension.
func setContentHeaders(w http.ResponseWriter, filename string) {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(
		`attachment; filename="%s"; filename*=UTF-8''%s`,
		strings.ReplaceAll(filename, `"`, ""),
		rfc5987Escape(filename),
	))
}

// rfc5987Escape percent-encodes everything outside the attr-char set.
func rfc5987Escape(s string) string {
	const attrChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!#$&+-.^_`|~"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(attrChars, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
