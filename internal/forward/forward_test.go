package forward

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigilhq/sigil/internal/account"
)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.BaseDelay = time.Millisecond
	return cfg
}

func TestForward_Success(t *testing.T) {
	var gotAccount atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount.Store(r.Header.Get("X-Sigil-Account"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewHTTP(testConfig(srv.URL), nil)
	var addr [account.AddressSize]byte
	addr[0] = 1

	require.NoError(t, f.Forward(context.Background(), addr, []byte("payload")))
	assert.Equal(t, account.EncodeAddress(addr), gotAccount.Load())
}

func TestForward_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTP(testConfig(srv.URL), nil)
	require.NoError(t, f.Forward(context.Background(), [account.AddressSize]byte{}, nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestForward_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	f := NewHTTP(testConfig(srv.URL), nil)
	err := f.Forward(context.Background(), [account.AddressSize]byte{}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestForward_CircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	cfg.CBThreshold = 2
	f := NewHTTP(cfg, nil)

	for i := 0; i < 2; i++ {
		require.Error(t, f.Forward(context.Background(), [account.AddressSize]byte{}, nil))
	}

	err := f.Forward(context.Background(), [account.AddressSize]byte{}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
