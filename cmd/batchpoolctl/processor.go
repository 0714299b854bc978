package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/VsevolodSauta/batchpool"
)

// itemRequest is the body POSTed to a processing endpoint.
type itemRequest struct {
	JobID    string           `json:"jobId"`
	ItemID   string           `json:"itemId"`
	Sequence int              `json:"sequence"`
	Input    json.RawMessage  `json:"input"`
	Tuning   batchpool.Tuning `json:"tuning,omitempty"`
}

// itemResponse is what a processing endpoint returns.
type itemResponse struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Cost    float64         `json:"cost,omitempty"`
}

// httpProcessor forwards each item to an HTTP endpoint.
type httpProcessor struct {
	endpoint string
	client   *http.Client
}

func newProcessor(endpoint string, logger *slog.Logger) batchpool.Processor {
	if endpoint == "" {
		logger.Debug("no processor endpoint configured, echoing inputs")
		return batchpool.ProcessorFunc(echo)
	}
	return &httpProcessor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func echo(_ context.Context, item *batchpool.Item, _ batchpool.Tuning) (batchpool.Result, error) {
	return batchpool.Result{Success: true, Output: item.Input}, nil
}

func (p *httpProcessor) Process(ctx context.Context, item *batchpool.Item, tuning batchpool.Tuning) (batchpool.Result, error) {
	body, err := json.Marshal(itemRequest{
		JobID:    item.JobID,
		ItemID:   item.ID,
		Sequence: item.Sequence,
		Input:    item.Input,
		Tuning:   tuning,
	})
	if err != nil {
		return batchpool.Result{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return batchpool.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	req.Header.Set("X-Batchpool-Sequence", strconv.Itoa(item.Sequence))

	resp, err := p.client.Do(req)
	if err != nil {
		return batchpool.Result{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return batchpool.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return batchpool.Result{}, fmt.Errorf("processor endpoint returned %s: %s", resp.Status, bytes.TrimSpace(payload))
	}

	var out itemResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return batchpool.Result{}, fmt.Errorf("decode response: %w", err)
	}
	return batchpool.Result{Success: out.Success, Output: out.Output, Error: out.Error, Cost: out.Cost}, nil
}
