package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeNotifyingRecorder satisfies the http.CloseNotifier gin's Stream needs.
type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestEventsStreamsOnlyOwnTenant(t *testing.T) {
	hub := events.NewHub(8)
	tenantID, otherID := uuid.New(), uuid.New()

	r := gin.New()
	r.GET("/api/v1/events", withTenant(tenantID), NewEventsHandler(hub).Stream)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "/api/v1/events", nil)
	w := &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeHTTP(w, req)
	}()

	routers := events.Topic(tenantID, events.SubjectRouters)
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(routers) == 1
	}, time.Second, 5*time.Millisecond)

	deviceID := uuid.New()
	hub.Publish(events.New(events.ProvisioningStage, tenantID, map[string]string{"device_id": deviceID.String()}))
	hub.Publish(events.New(events.ConnectivityChecking, tenantID, map[string]int{"attempt": 1}))
	hub.Publish(events.New(events.ProvisioningStage, otherID, map[string]string{"device_id": "leaked"}))

	// Let the stream loop drain both notifications before disconnecting.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after client disconnect")
	}

	body := w.Body.String()
	assert.Contains(t, body, "event:router.provisioning.stage")
	assert.Contains(t, body, "event:vpn.connectivity.checking")
	assert.Contains(t, body, deviceID.String())
	assert.NotContains(t, body, "leaked")
	assert.Equal(t, 0, hub.SubscriberCount(routers))
}

func TestEventsRequiresTenant(t *testing.T) {
	r := gin.New()
	r.GET("/api/v1/events", NewEventsHandler(events.NewHub(8)).Stream)

	req, _ := http.NewRequest("GET", "/api/v1/events", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
