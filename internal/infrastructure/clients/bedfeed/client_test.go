package bedfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/pkg/config"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

func newTestFeed(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.FeedConfig{BaseURL: srv.URL + "/", APIKey: "feed-key", Timeout: time.Second})
}

func TestFetchBeds_Array(t *testing.T) {
	c := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/beds", r.URL.Path)
		assert.Equal(t, "10A", r.URL.Query().Get("ward"))
		assert.Equal(t, "true", r.URL.Query().Get("refresh"))
		assert.Equal(t, "Bearer feed-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"encounter_code":"A1","bed_code":"101","saturation":94},"junk"]`))
	})

	recs, err := c.FetchBeds(context.Background(), "10A", true)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A1", recs[0].Fields["encounter_code"])
	assert.Equal(t, json.Number("94"), recs[0].Fields["saturation"])
	assert.JSONEq(t, `{"encounter_code":"A1","bed_code":"101","saturation":94}`, string(recs[0].Payload))
	assert.Nil(t, recs[1].Fields)
}

func TestFetchBeds_Envelope(t *testing.T) {
	c := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("refresh"))
		_, _ = w.Write([]byte(`{"data":[{"bed_code":"7"}],"count":1}`))
	})

	recs, err := c.FetchBeds(context.Background(), "", false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "7", recs[0].Fields["bed_code"])
}

func TestFetchBeds_EmptyFeedIsNotAnError(t *testing.T) {
	c := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	recs, err := c.FetchBeds(context.Background(), "", false)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestFetchBeds_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		errType apperrors.ErrorType
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}, apperrors.ErrorTypeExternal},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}, apperrors.ErrorTypeParse},
		{"null", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`null`))
		}, apperrors.ErrorTypeParse},
		{"envelope without data", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"x"}`))
		}, apperrors.ErrorTypeParse},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(1500 * time.Millisecond)
		}, apperrors.ErrorTypeExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestFeed(t, tt.handler)
			recs, err := c.FetchBeds(context.Background(), "", false)
			require.Error(t, err)
			assert.Nil(t, recs)
			assert.True(t, apperrors.IsType(err, tt.errType), err.Error())
		})
	}
}
