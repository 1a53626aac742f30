package crossoffset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/scan"
)

// POSClient calls the point-of-sale reconciliation service.
type POSClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *time.Ticker
}

// NewPOSClientFromEnv reads POS_RECON_BASE_URL, POS_RECON_API_KEY,
// POS_RECON_API_KEY_HEADER and POS_RECON_RATE_LIMIT_PER_MIN.
func NewPOSClientFromEnv() (*POSClient, error) {
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("POS_RECON_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	return NewPOSClient(
		os.Getenv("POS_RECON_BASE_URL"),
		os.Getenv("POS_RECON_API_KEY"),
		os.Getenv("POS_RECON_API_KEY_HEADER"),
		rateLimitPerMin,
	)
}

func NewPOSClient(baseURL, apiKey, apiKeyHeader string, rateLimitPerMin int64) (*POSClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("pos reconciliation base url is empty")
	}
	if strings.TrimSpace(apiKeyHeader) == "" {
		apiKeyHeader = "X-API-Key"
	}
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 30
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &POSClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(apiKey),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.NewTicker(interval),
	}, nil
}

func (c *POSClient) Close() {
	c.limiter.Stop()
}

type analyzeRequest struct {
	MissingItems []scan.MissingProductRecord `json:"missingItems"`
	OverItems    []scan.SurplusProductRecord `json:"overItems"`
}

func (c *POSClient) AnalyzeAgainstPOS(ctx context.Context, missing []scan.MissingProductRecord, over []scan.SurplusProductRecord) (*POSAnalysis, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.limiter.C:
	}

	payload, err := json.Marshal(analyzeRequest{MissingItems: missing, OverItems: over})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reconciliation/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pos reconciliation error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed POSAnalysis
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode pos reconciliation response: %w", err)
	}
	return &parsed, nil
}
