package bedfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
	"github.com/zatekoja/wardwatch/pkg/config"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

const maxBodyBytes = 32 << 20

var _ providers.BedFeedProvider = (*HTTPClient)(nil)

// HTTPClient reads the hospital bed feed over HTTP
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a feed client bounded by cfg.Timeout
func NewClient(cfg *config.FeedConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchBeds returns one raw record per bed. Any failure is returned as an
// error and no partial result is produced.
func (c *HTTPClient) FetchBeds(ctx context.Context, wardFilter string, forceRefresh bool) ([]entities.RawBedRecord, error) {
	parsed, err := url.Parse(c.baseURL + "/beds")
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid feed url: %v", err))
	}
	query := parsed.Query()
	if wardFilter != "" {
		query.Set("ward", wardFilter)
	}
	if forceRefresh {
		query.Set("refresh", "true")
	}
	parsed.RawQuery = query.Encode()

	body, err := c.get(ctx, parsed.String())
	if err != nil {
		return nil, err
	}
	return decodeBeds(body)
}

// Ping checks that the feed answers at all
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.get(ctx, c.baseURL+"/health")
	return err
}

func (c *HTTPClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build feed request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalError("bed feed request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read bed feed response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewExternalError(
			fmt.Sprintf("bed feed returned status %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(body))),
		)
	}
	return body, nil
}

// decodeBeds accepts a bare array or a {"data": [...]} envelope
func decodeBeds(body []byte) ([]entities.RawBedRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, apperrors.NewParseError("bed feed returned an empty body", nil)
	}

	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, apperrors.NewParseError("failed to decode bed feed array", err)
		}
	} else {
		var envelope struct {
			Data *[]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, apperrors.NewParseError("failed to decode bed feed envelope", err)
		}
		if envelope.Data == nil {
			return nil, apperrors.NewParseError("bed feed envelope has no data", nil)
		}
		items = *envelope.Data
	}

	records := make([]entities.RawBedRecord, 0, len(items))
	for _, item := range items {
		rec := entities.RawBedRecord{Payload: append(json.RawMessage(nil), item...)}
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err == nil {
			rec.Fields = fields
		}
		records = append(records, rec)
	}
	return records, nil
}
