package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/models"
)

// Sender delivers a command string to a phone number through the aggregator.
type Sender interface {
	Send(ctx context.Context, phoneNumber, command string) (SendReceipt, error)
}

// SendReceipt is the aggregator's acknowledgement. Its ids are not echoed on replies and
// are kept for delivery-report bookkeeping only.
type SendReceipt struct {
	SessionID string
	Status    string
}

type ClientConfig struct {
	BaseURL  string
	SendPath string
	Username string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	sendPath   string
	username   string
	apiKey     string
	logger     *logrus.Logger
}

func NewClient(config ClientConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		sendPath: config.SendPath,
		username: config.Username,
		apiKey:   config.APIKey,
		logger:   logger,
	}
}

type sendRequest struct {
	Username    string `json:"username"`
	PhoneNumber string `json:"phoneNumber"`
	Command     string `json:"command"`
}

type sendResponse struct {
	Status       string `json:"status"`
	SessionID    string `json:"sessionId"`
	MessageID    string `json:"messageId"`
	ErrorMessage string `json:"errorMessage"`
}

// Send posts the command. Any non-success answer is returned as *models.DispatchError; the
// command is never retried here.
func (c *Client) Send(ctx context.Context, phoneNumber, command string) (SendReceipt, error) {
	body, err := json.Marshal(sendRequest{
		Username:    c.username,
		PhoneNumber: phoneNumber,
		Command:     command,
	})
	if err != nil {
		return SendReceipt{}, &models.DispatchError{Err: fmt.Errorf("failed to marshal request body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.sendPath, bytes.NewReader(body))
	if err != nil {
		return SendReceipt{}, &models.DispatchError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("apiKey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendReceipt{}, &models.DispatchError{Ambiguous: true, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendReceipt{}, &models.DispatchError{StatusCode: resp.StatusCode, Ambiguous: true, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.WithFields(logrus.Fields{
		"phone_number": phoneNumber,
		"status_code":  resp.StatusCode,
		"response":     string(respBody),
	}).Debug("Aggregator send response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendReceipt{}, &models.DispatchError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	// A 2xx we cannot read may still have been executed, so it is ambiguous. Without a
	// session id there is nothing to correlate on and the dispatcher releases the slot.
	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return SendReceipt{}, &models.DispatchError{StatusCode: resp.StatusCode, Body: string(respBody), Ambiguous: true,
			Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	if isRejected(parsed.Status) {
		msg := parsed.ErrorMessage
		if msg == "" {
			msg = parsed.Status
		}
		return SendReceipt{}, &models.DispatchError{StatusCode: resp.StatusCode, Body: msg}
	}

	sessionID := parsed.SessionID
	if sessionID == "" {
		sessionID = parsed.MessageID
	}
	if sessionID == "" {
		return SendReceipt{}, &models.DispatchError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return SendReceipt{SessionID: sessionID, Status: parsed.Status}, nil
}

func isRejected(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "rejected", "error", "invalidphonenumber", "insufficientbalance", "userinblacklist":
		return true
	}
	return false
}
