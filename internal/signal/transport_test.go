package signal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWebhookTransport_Deliver(t *testing.T) {
	var received webhookEnvelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewWebhookTransport(server.URL)
	payload, _ := json.Marshal(SegmentUpdate{Type: "segment", SegmentID: "seg-1", CurrentlyInSegment: true})

	err := transport.Deliver(context.Background(), "journey-j1-user-u1", "segment-update", payload)

	assert.NoError(t, err)
	assert.Equal(t, "journey-j1-user-u1", received.WorkflowID)
	assert.Equal(t, "segment-update", received.Name)
	assert.JSONEq(t, string(payload), string(received.Payload))
}

func TestWebhookTransport_Deliver_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewWebhookTransport(server.URL)

	err := transport.Deliver(context.Background(), "wf", "name", []byte(`{}`))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestLogTransport_Deliver(t *testing.T) {
	transport := NewLogTransport(zap.NewNop())

	err := transport.Deliver(context.Background(), "wf", "name", []byte(`{}`))

	assert.NoError(t, err)
}

func TestWorkflowIDs(t *testing.T) {
	assert.Equal(t, "journey-j1-user-u1", JourneyWorkflowID("j1", "u1"))
	assert.Equal(t, "integration-hubspot-ws-1-user-u1", IntegrationWorkflowID("hubspot", "ws-1", "u1"))
}
