package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
)

func newTestMediaStore(t *testing.T, handler http.HandlerFunc) (*MediaStore, *httptest.Server) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	store := NewMediaStore(server.URL)
	store.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, sendMaxRetries)
	}
	return store, server
}

func TestFetchMedia(t *testing.T) {
	store, server := newTestMediaStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte("image-bytes"))
	})

	data, err := store.FetchMedia(context.Background(), server.URL+"/media/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestFetchMediaNotFound(t *testing.T) {
	var calls atomic.Int32
	store, server := newTestMediaStore(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := store.FetchMedia(context.Background(), server.URL+"/media/missing")
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	// 4xx is permanent, no retries
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadReceipt(t *testing.T) {
	var gotPath atomic.Value
	store, server := newTestMediaStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	})

	url, err := store.UploadReceipt(context.Background(), []byte("image-bytes"), "entry-7.jpg")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/receipts/entry-7.jpg", url)
	assert.Equal(t, "/receipts/entry-7.jpg", gotPath.Load().(string))
}

func TestUploadReceiptRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	store, _ := newTestMediaStore(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	_, err := store.UploadReceipt(context.Background(), []byte("image-bytes"), "entry-8.jpg")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
