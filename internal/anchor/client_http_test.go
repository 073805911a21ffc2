package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/circuit"
)

func TestHTTPClientSubmit(t *testing.T) {
	t.Run("accepted submission round-trips the receipt fields", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/anchors", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

			var req struct {
				PlanHash string `json:"plan_hash"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "deadbeef", req.PlanHash)

			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"anchor_id":    "tx-1",
				"external_url": "https://explorer.example/tx-1",
			})
		}))
		defer server.Close()

		client, err := NewHTTPClient(server.URL, "secret")
		require.NoError(t, err)

		sub, err := client.Submit(context.Background(), "deadbeef")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", sub.AnchorID)
		assert.Equal(t, "https://explorer.example/tx-1", sub.ExternalURL)
	})

	t.Run("server errors are transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		_, err = client.Submit(context.Background(), "deadbeef")
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeAnchorTransient, dErrors.CodeOf(err))
	})

	t.Run("rejections are permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		_, err = client.Submit(context.Background(), "deadbeef")
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeAnchorPermanent, dErrors.CodeOf(err))
	})

	t.Run("repeated failures open the circuit and fail fast", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err = client.Submit(context.Background(), "deadbeef")
			require.Error(t, err)
		}
		require.Equal(t, 5, calls)

		// The breaker is open now; the provider is not called again.
		_, err = client.Submit(context.Background(), "deadbeef")
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeAnchorTransient, dErrors.CodeOf(err))
		assert.Equal(t, 5, calls)
	})

	t.Run("anchoring resumes once the provider recovers", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls <= 5 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"anchor_id": "tx-9"})
		}))
		defer server.Close()

		now := time.Unix(1700000000, 0)
		breaker := circuit.New("anchor-provider",
			circuit.WithOpenTimeout(time.Minute),
			circuit.WithClock(func() time.Time { return now }))
		client, err := NewHTTPClient(server.URL, "", WithHTTPBreaker(breaker))
		require.NoError(t, err)

		// Five transient failures open the circuit.
		for i := 0; i < 5; i++ {
			_, err = client.Submit(context.Background(), "deadbeef")
			require.Error(t, err)
		}
		require.True(t, breaker.IsOpen())

		// Fail fast while the cool-down runs; no provider call.
		_, err = client.Submit(context.Background(), "deadbeef")
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeAnchorTransient, dErrors.CodeOf(err))
		require.Equal(t, 5, calls)

		// After the cool-down one probe goes through and succeeds.
		now = now.Add(time.Minute)
		sub, err := client.Submit(context.Background(), "deadbeef")
		require.NoError(t, err)
		assert.Equal(t, "tx-9", sub.AnchorID)
		require.Equal(t, 6, calls)

		// Still open between probes.
		_, err = client.Submit(context.Background(), "deadbeef")
		require.Error(t, err)
		require.Equal(t, 6, calls)

		// The second successful probe closes the circuit for good.
		now = now.Add(time.Minute)
		_, err = client.Submit(context.Background(), "deadbeef")
		require.NoError(t, err)
		assert.False(t, breaker.IsOpen())

		_, err = client.Submit(context.Background(), "deadbeef")
		require.NoError(t, err)
		assert.Equal(t, 8, calls)
	})
}

func TestHTTPClientConfirmed(t *testing.T) {
	newStatusServer := func(status int, body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/anchors/tx-1", r.URL.Path)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
	}

	t.Run("confirmed settles true", func(t *testing.T) {
		server := newStatusServer(http.StatusOK, `{"status":"confirmed"}`)
		defer server.Close()
		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		confirmed, err := client.Confirmed(context.Background(), "tx-1")
		require.NoError(t, err)
		assert.True(t, confirmed)
	})

	t.Run("pending settles false without error", func(t *testing.T) {
		server := newStatusServer(http.StatusOK, `{"status":"pending"}`)
		defer server.Close()
		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		confirmed, err := client.Confirmed(context.Background(), "tx-1")
		require.NoError(t, err)
		assert.False(t, confirmed)
	})

	t.Run("unknown anchors are permanent failures", func(t *testing.T) {
		server := newStatusServer(http.StatusNotFound, "")
		defer server.Close()
		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		_, err = client.Confirmed(context.Background(), "tx-1")
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeAnchorPermanent, dErrors.CodeOf(err))
	})

	t.Run("provider outages are transient", func(t *testing.T) {
		server := newStatusServer(http.StatusServiceUnavailable, "")
		defer server.Close()
		client, err := NewHTTPClient(server.URL, "")
		require.NoError(t, err)

		_, err = client.Confirmed(context.Background(), "tx-1")
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeAnchorTransient, dErrors.CodeOf(err))
	})
}
