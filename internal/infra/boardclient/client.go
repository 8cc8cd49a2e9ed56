package boardclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

const maxReceiptBytes = 1 << 20

// Client forwards accepted applications to the board endpoints named in the
// tenants file. Boards without an endpoint are skipped.
type Client struct {
	endpoints  map[string]string
	httpClient *http.Client
}

func New(endpoints map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cleaned := make(map[string]string, len(endpoints))
	for board, endpoint := range endpoints {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			cleaned[board] = endpoint
		}
	}
	return &Client{
		endpoints:  cleaned,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Deliver(ctx context.Context, delivery usecase.BoardDelivery) ([]byte, error) {
	if c == nil {
		return nil, errors.New("board client is nil")
	}
	endpoint, ok := c.endpoints[delivery.Board]
	if !ok {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(delivery.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-JWS-Signature", delivery.Signature)
	req.Header.Set("X-Application-ID", delivery.ApplicationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReceiptBytes+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("board %s responded with status %d", delivery.Board, resp.StatusCode)
	}
	if len(body) > maxReceiptBytes {
		return nil, fmt.Errorf("board %s receipt exceeds %d bytes", delivery.Board, maxReceiptBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return body, nil
}

var _ usecase.BoardClient = (*Client)(nil)
