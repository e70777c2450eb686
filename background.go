package clinicsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SyncTag is the deferred-execution tag that replays pending data.
const SyncTag = "sync-pending-data"

// SignatureHeader carries the HMAC of a trigger request body.
const SignatureHeader = "X-Clinicsync-Signature"

// BackgroundSync is the background replay trigger: a registration of
// tags whose firing runs DrainOnce exactly as the foreground would.
type BackgroundSync struct {
	drainer Drainer
	conn    Connectivity
	log     *slog.Logger

	mu   sync.Mutex
	tags map[string]bool
}

// NewBackgroundSync creates a trigger over d. conn may be nil.
func NewBackgroundSync(d Drainer, conn Connectivity, opts ...Option) *BackgroundSync {
	o := buildOptions(opts)
	return &BackgroundSync{drainer: d, conn: conn, log: o.logger, tags: make(map[string]bool)}
}

// Register requests a deferred sync under tag.
func (b *BackgroundSync) Register(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags[tag] = true
}

// Registered reports whether tag is registered.
func (b *BackgroundSync) Registered(tag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tags[tag]
}

// Fire delivers a trigger for tag. Unregistered tags are ignored.
func (b *BackgroundSync) Fire(ctx context.Context, tag string) (DrainResult, error) {
	if !b.Registered(tag) {
		b.log.Debug("ignoring unregistered background tag", "tag", tag)
		return DrainResult{}, nil
	}
	b.log.Info("background sync fired", "tag", tag)
	return b.drainer.DrainOnce(ctx)
}

// Run drains every interval while online until ctx is done.
func (b *BackgroundSync) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.conn != nil && !b.conn.IsOnline() {
				continue
			}
			if _, err := b.drainer.DrainOnce(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
				b.log.Warn("periodic drain failed", "err", err)
			}
		}
	}
}

// ============================================================================
// Signed HTTP trigger
// ============================================================================

// TriggerRequest is the body of a trigger call.
type TriggerRequest struct {
	Tag       string `json:"tag"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// VerifySignature checks an HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix, in constant time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the "sha256=<hex>" signature for body.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// TriggerHandler returns an endpoint that fires a tag from a signed POST,
// for hosts that schedule deferred work outside the process.
func (b *BackgroundSync) TriggerHandler(secret string) (http.Handler, error) {
	if secret == "" {
		return nil, fmt.Errorf("trigger secret is required")
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		if !VerifySignature(body, r.Header.Get(SignatureHeader), secret) {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
		var req TriggerRequest
		if err := json.Unmarshal(bodyBytes, &req); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON in trigger body"})
			return
		}
		if req.Tag == "" {
			req.Tag = SyncTag
		}

		res, err := b.Fire(r.Context(), req.Tag)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrDrainInProgress) {
				status = http.StatusConflict
			}
			writeJSON(rw, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, res)
	}), nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
