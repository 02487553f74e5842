package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signup is one enrollment record from the signup directory.
type Signup struct {
	RecordID    int64   `json:"record_id"`
	PhoneNumber string  `json:"phone_number"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Client is a minimal REST client for the signup directory.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient constructs a directory client.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("directory: empty base url")
	}
	if token == "" {
		return nil, errors.New("directory: empty token")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// FetchSignups lists enrollment records created after the given record id.
// The daily reconciliation imports these as new subscribers.
func (c *Client) FetchSignups(ctx context.Context, afterRecordID int64) ([]Signup, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(afterRecordID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/signups?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: http %d", resp.StatusCode)
	}

	var signups []Signup
	if err := json.NewDecoder(resp.Body).Decode(&signups); err != nil {
		return nil, fmt.Errorf("directory: malformed payload: %w", err)
	}
	return signups, nil
}
