package consent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/shared/logger"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		ServerURL:     srv.URL + "/v1",
		Timeout:       time.Second,
		MaxTries:      3,
		RetryInterval: time.Millisecond,
	}, logger.NewNop().Logger)
	require.NoError(t, err)
	c.now = func() time.Time { return testNow }
	return c
}

func consentBundle(resources ...string) string {
	entries := ""
	for i, r := range resources {
		if i > 0 {
			entries += ","
		}
		entries += `{"resource":` + r + `}`
	}
	return `{"resourceType":"Bundle","entry":[` + entries + `]}`
}

func consentRecord(status, policy string, at time.Time) string {
	return fmt.Sprintf(`{"resourceType":"Consent","status":%q,"policyRule":%q,"dateTime":%q}`,
		status, policy, at.Format(time.RFC3339))
}

func TestClient_OptedOut(t *testing.T) {
	optIn := "http://hl7.org/fhir/ConsentPolicy/opt-in"

	tests := []struct {
		name    string
		records []string
		want    bool
	}{
		{
			name: "no consent records",
			want: false,
		},
		{
			name:    "active opt-out",
			records: []string{consentRecord("active", OptOutPolicy, testNow.Add(-time.Hour))},
			want:    true,
		},
		{
			name:    "inactive opt-out",
			records: []string{consentRecord("inactive", OptOutPolicy, testNow.Add(-time.Hour))},
			want:    false,
		},
		{
			name:    "opt-out dated in the future",
			records: []string{consentRecord("active", OptOutPolicy, testNow.Add(24*time.Hour))},
			want:    false,
		},
		{
			name:    "opt-in only",
			records: []string{consentRecord("active", optIn, testNow.Add(-time.Hour))},
			want:    false,
		},
		{
			name: "opt-out among other records",
			records: []string{
				consentRecord("active", optIn, testNow.Add(-48*time.Hour)),
				`{"resourceType":"Consent","status":"active","policy":[{"uri":"` + OptOutPolicy + `"}]}`,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/Consent", r.URL.Path)
				assert.Equal(t, "1S00E00AA00", r.URL.Query().Get("patient"))
				fmt.Fprint(w, consentBundle(tt.records...))
			}))

			got, err := c.OptedOut(context.Background(), "1S00E00AA00")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_OptedOut_Errors(t *testing.T) {
	t.Run("server error is retried", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, consentBundle(consentRecord("active", OptOutPolicy, testNow)))
		}))

		got, err := c.OptedOut(context.Background(), "1S00E00AA00")
		require.NoError(t, err)
		assert.True(t, got)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))

		_, err := c.OptedOut(context.Background(), "1S00E00AA00")
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("bad dateTime", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, consentBundle(`{"resourceType":"Consent","status":"active","policyRule":"`+OptOutPolicy+`","dateTime":"yesterday"}`))
		}))

		_, err := c.OptedOut(context.Background(), "1S00E00AA00")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid consent dateTime")
	})
}
