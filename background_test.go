package clinicsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-trigger-secret-key"

type fakeDrainer struct {
	calls  atomic.Int32
	result DrainResult
	err    error
}

func (f *fakeDrainer) DrainOnce(ctx context.Context) (DrainResult, error) {
	f.calls.Add(1)
	return f.result, f.err
}

type staticConn bool

func (s staticConn) IsOnline() bool { return bool(s) }

func triggerBody(tag string) string {
	b, _ := json.Marshal(TriggerRequest{Tag: tag, Timestamp: 1700000000})
	return string(b)
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := triggerBody(SyncTag)

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifySignature(body, Sign(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(Sign(body, testSecret), "sha256=")
		assert.True(t, VerifySignature(body, sig, testSecret))
	})

	t.Run("wrong signature", func(t *testing.T) {
		assert.False(t, VerifySignature(body, "sha256="+strings.Repeat("0", 64), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature(body, Sign(body, "wrong-secret"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		assert.False(t, VerifySignature(body+"tampered", Sign(body, testSecret), testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifySignature("", "sha256=abc", testSecret))
		assert.False(t, VerifySignature("body", "", testSecret))
		assert.False(t, VerifySignature("body", "sha256=abc", ""))
	})

	t.Run("sha256= prefix only", func(t *testing.T) {
		assert.False(t, VerifySignature(body, "sha256=", testSecret))
	})
}

// ============================================================================
// BackgroundSync
// ============================================================================

func TestBackgroundSyncFire(t *testing.T) {
	t.Run("registered tag drains", func(t *testing.T) {
		d := &fakeDrainer{result: DrainResult{Synced: 2}}
		b := NewBackgroundSync(d, nil)
		b.Register(SyncTag)

		res, err := b.Fire(context.Background(), SyncTag)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Synced)
		assert.EqualValues(t, 1, d.calls.Load())
	})

	t.Run("unregistered tag ignored", func(t *testing.T) {
		d := &fakeDrainer{}
		b := NewBackgroundSync(d, nil)

		res, err := b.Fire(context.Background(), "other-tag")
		require.NoError(t, err)
		assert.Equal(t, DrainResult{}, res)
		assert.Zero(t, d.calls.Load())
	})
}

func TestBackgroundSyncRun(t *testing.T) {
	t.Run("drains while online", func(t *testing.T) {
		d := &fakeDrainer{}
		b := NewBackgroundSync(d, staticConn(true))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			b.Run(ctx, 5*time.Millisecond)
			close(done)
		}()
		require.Eventually(t, func() bool { return d.calls.Load() >= 2 }, time.Second, time.Millisecond)
		cancel()
		<-done
	})

	t.Run("skips while offline", func(t *testing.T) {
		d := &fakeDrainer{}
		b := NewBackgroundSync(d, staticConn(false))
		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
		defer cancel()
		b.Run(ctx, 5*time.Millisecond)
		assert.Zero(t, d.calls.Load())
	})
}

// ============================================================================
// TriggerHandler
// ============================================================================

func TestTriggerHandler(t *testing.T) {
	newHandler := func(t *testing.T, d *fakeDrainer) http.Handler {
		t.Helper()
		b := NewBackgroundSync(d, nil)
		b.Register(SyncTag)
		h, err := b.TriggerHandler(testSecret)
		require.NoError(t, err)
		return h
	}
	post := func(h http.Handler, body, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/_sync/trigger", strings.NewReader(body))
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("empty secret", func(t *testing.T) {
		_, err := NewBackgroundSync(&fakeDrainer{}, nil).TriggerHandler("")
		assert.Error(t, err)
	})

	t.Run("GET returns 405", func(t *testing.T) {
		h := newHandler(t, &fakeDrainer{})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/_sync/trigger", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		d := &fakeDrainer{}
		w := post(newHandler(t, d), triggerBody(SyncTag), "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, d.calls.Load())
	})

	t.Run("malformed body returns 400", func(t *testing.T) {
		body := "not json"
		w := post(newHandler(t, &fakeDrainer{}), body, Sign(body, testSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("valid returns drain result", func(t *testing.T) {
		d := &fakeDrainer{result: DrainResult{Synced: 3, Failed: 1}}
		body := triggerBody(SyncTag)
		w := post(newHandler(t, d), body, Sign(body, testSecret))
		require.Equal(t, http.StatusOK, w.Code)

		var res DrainResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
		assert.Equal(t, DrainResult{Synced: 3, Failed: 1}, res)
		assert.EqualValues(t, 1, d.calls.Load())
	})

	t.Run("missing tag defaults to sync tag", func(t *testing.T) {
		d := &fakeDrainer{}
		body := `{}`
		w := post(newHandler(t, d), body, Sign(body, testSecret))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, d.calls.Load())
	})

	t.Run("drain in progress returns 409", func(t *testing.T) {
		d := &fakeDrainer{err: ErrDrainInProgress}
		body := triggerBody(SyncTag)
		w := post(newHandler(t, d), body, Sign(body, testSecret))
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
