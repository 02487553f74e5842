package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Message is one message record from the provider.
type Message struct {
	SID      string
	From     string
	To       string
	Body     string
	DateSent time.Time
}

// Client is a minimal REST client for the SMS provider.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

// NewClient constructs an SMS client. from is the provisioned sending number.
func NewClient(baseURL, accountSID, authToken, from string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("sms: empty base url")
	}
	if accountSID == "" || authToken == "" {
		return nil, errors.New("sms: missing credentials")
	}
	if from == "" {
		return nil, errors.New("sms: empty sending number")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send delivers one text message.
func (c *Client) Send(ctx context.Context, to, body string) error {
	if to == "" {
		return errors.New("sms: empty recipient")
	}
	if body == "" {
		return errors.New("sms: empty body")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)
	return c.doForm(ctx, c.messagesPath()+".json", form, nil)
}

// ListInbound returns messages sent to our number since the given time,
// oldest first. Opt-out sweeps run on this list.
func (c *Client) ListInbound(ctx context.Context, since time.Time) ([]Message, error) {
	query := url.Values{}
	query.Set("To", c.from)
	if !since.IsZero() {
		query.Set("DateSent>", since.UTC().Format("2006-01-02"))
	}

	var payload struct {
		Messages []struct {
			SID      string `json:"sid"`
			From     string `json:"from"`
			To       string `json:"to"`
			Body     string `json:"body"`
			DateSent string `json:"date_sent"`
		} `json:"messages"`
	}
	if err := c.doGet(ctx, c.messagesPath()+".json?"+query.Encode(), &payload); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		message := Message{SID: m.SID, From: m.From, To: m.To, Body: m.Body}
		if sent, err := time.Parse(time.RFC1123Z, m.DateSent); err == nil {
			message.DateSent = sent
		}
		messages = append(messages, message)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Delete removes a message record from the provider. Opt-out handling deletes
// the subscriber's message history after removal.
func (c *Client) Delete(ctx context.Context, sid string) error {
	if sid == "" {
		return errors.New("sms: empty message sid")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+c.messagesPath()+"/"+sid+".json", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sms: http %d", resp.StatusCode)
	}
	return nil
}

// PurgeHistory deletes every stored message exchanged with the given number.
func (c *Client) PurgeHistory(ctx context.Context, phone string) error {
	for _, direction := range []string{"To", "From"} {
		query := url.Values{}
		query.Set(direction, phone)

		var payload struct {
			Messages []struct {
				SID string `json:"sid"`
			} `json:"messages"`
		}
		if err := c.doGet(ctx, c.messagesPath()+".json?"+query.Encode(), &payload); err != nil {
			return err
		}
		for _, m := range payload.Messages {
			if err := c.Delete(ctx, m.SID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) messagesPath() string {
	return "/2010-04-01/Accounts/" + c.accountSID + "/Messages"
}

func (c *Client) doForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms: http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
