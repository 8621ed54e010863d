package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utility-ussd-bridge/pkg/models"
)

func newTestClient(url string) *Client {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewClient(ClientConfig{
		BaseURL:  url + "/",
		SendPath: "/send",
		Username: "sandbox",
		APIKey:   "secret",
		Timeout:  2 * time.Second,
	}, logger)
}

func TestClient_SendSuccess(t *testing.T) {
	var received sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apiKey"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"Success","sessionId":"ATUid_123"}`))
	}))
	defer server.Close()

	receipt, err := newTestClient(server.URL).Send(context.Background(), "+254700000001", "*977*1*1423#")
	require.NoError(t, err)
	assert.Equal(t, "ATUid_123", receipt.SessionID)
	assert.Equal(t, sendRequest{Username: "sandbox", PhoneNumber: "+254700000001", Command: "*977*1*1423#"}, received)
}

func TestClient_SendFallsBackToMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"Sent","messageId":"msg-9"}`))
	}))
	defer server.Close()

	receipt, err := newTestClient(server.URL).Send(context.Background(), "+254700000001", "*977*1*1423#")
	require.NoError(t, err)
	assert.Equal(t, "msg-9", receipt.SessionID)
}

func TestClient_SendRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusUnauthorized, `{"errorMessage":"bad key"}`},
		{"rejected status", http.StatusOK, `{"status":"InvalidPhoneNumber","errorMessage":"invalid phone"}`},
		{"missing session id", http.StatusOK, `{"status":"Success"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Send(context.Background(), "+254700000001", "*977*1*1423#")
			var dispatchErr *models.DispatchError
			require.True(t, errors.As(err, &dispatchErr))
			assert.False(t, dispatchErr.Ambiguous)
			assert.Equal(t, tt.status, dispatchErr.StatusCode)
		})
	}
}

func TestClient_SendUnreadableSuccessIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<html>gateway accepted</html>`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Send(context.Background(), "+254700000001", "*977*1*1423#")
	var dispatchErr *models.DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.True(t, dispatchErr.Ambiguous)
	assert.Equal(t, http.StatusCreated, dispatchErr.StatusCode)
	assert.Contains(t, dispatchErr.Body, "gateway accepted")
}

func TestClient_SendTransportFailureIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Send(context.Background(), "+254700000001", "*977*1*1423#")
	var dispatchErr *models.DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.True(t, dispatchErr.Ambiguous)
}

func TestNormalizeDeliveryStatus(t *testing.T) {
	assert.Equal(t, StatusDelivered, NormalizeDeliveryStatus("Success"))
	assert.Equal(t, StatusSent, NormalizeDeliveryStatus(" Buffered "))
	assert.Equal(t, StatusFailed, NormalizeDeliveryStatus("Rejected"))
	assert.Equal(t, StatusUnreachable, NormalizeDeliveryStatus("AbsentSubscriber"))
	assert.Equal(t, StatusExpired, NormalizeDeliveryStatus("Expired"))
	assert.Equal(t, StatusUnknown, NormalizeDeliveryStatus("whatever"))
}
