package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftscan/giftscan/internal/auth"
	"github.com/giftscan/giftscan/internal/limiter"
)

func TestMRKTAuthExchangeAndFetch(t *testing.T) {
	var authCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth":
			atomic.AddInt32(&authCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "bearer-abc"})
		case "/gifts/saling":
			if r.Header.Get("Authorization") != "Bearer bearer-abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req struct {
				CollectionNames []string `json:"collectionNames"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, []string{"Plush Pepe"}, req.CollectionNames)
			_, _ = w.Write([]byte(`{"gifts": [{"name": "Plush Pepe #31", "number": 31, "price": 95000000000}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := NewMRKTAdapter(
		srv.URL, "signed-init-data",
		auth.NewTokenCache(time.Hour, zerolog.Nop()),
		func(slug string) string { return "Plush Pepe" },
		limiter.NewRegistry(20, nil),
		zerolog.Nop(),
	)

	obs, err := a.FetchOne(context.Background(), "plushpepe")
	require.NoError(t, err)
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(95)), "got %s", obs.Price)
	require.NotNil(t, obs.Serial)
	assert.Equal(t, 31, *obs.Serial)
	assert.Equal(t, "MRKT", obs.Source)

	// Second fetch reuses the cached bearer.
	_, err = a.FetchOne(context.Background(), "plushpepe")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&authCalls))
}

func TestMRKTWithoutInitDataSkips(t *testing.T) {
	a := NewMRKTAdapter(
		"http://unused", "",
		auth.NewTokenCache(time.Hour, zerolog.Nop()),
		func(slug string) string { return slug },
		limiter.NewRegistry(20, nil),
		zerolog.Nop(),
	)
	_, err := a.FetchOne(context.Background(), "plushpepe")
	assert.ErrorIs(t, err, ErrAuth)
}
