package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &models.PackageRequest{
		VideoID:     "trailer",
		RequestID:   "req-1",
		RequestedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	body, err := encodeRequest(req)
	require.NoError(t, err)

	got, err := decodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestEncodeRequestRequiresVideo(t *testing.T) {
	_, err := encodeRequest(nil)
	assert.Error(t, err)

	_, err = encodeRequest(&models.PackageRequest{RequestID: "x"})
	assert.Error(t, err)
}

func TestDecodeRequestRejectsBadInput(t *testing.T) {
	_, err := decodeRequest([]byte("{not json"))
	assert.Error(t, err)

	body, _ := json.Marshal(map[string]string{"video_id": "../etc"})
	_, err = decodeRequest(body)
	assert.ErrorIs(t, err, models.ErrInvalidVideoID)
}

func TestEventRoutingKey(t *testing.T) {
	assert.Equal(t, models.EventPackagingReady, eventRoutingKey(&models.PackagingEvent{Event: models.EventPackagingReady}))
	assert.Equal(t, "packaging.unknown", eventRoutingKey(&models.PackagingEvent{}))
}

func TestFailureHeaders(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	headers := failureHeaders("encode 720p failed", at)

	assert.Equal(t, "encode 720p failed", failureReason(headers))
	assert.Equal(t, "2024-05-06T07:08:09Z", headers["x-failed-at"])
	assert.Empty(t, failureReason(amqp.Table{}))
}

// recordingAck captures how a delivery was settled
type recordingAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *recordingAck) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *recordingAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *recordingAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestHandleDelivery(t *testing.T) {
	body, err := encodeRequest(&models.PackageRequest{VideoID: "trailer", RequestID: "req-1"})
	require.NoError(t, err)

	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		dlqErr      error
		wantAck     bool
		wantRequeue bool
		wantDLQ     bool
	}{
		{name: "success", body: body, wantAck: true},
		{name: "malformed", body: []byte("{"), wantAck: false},
		{name: "failure is dead-lettered", body: body, handlerErr: errors.New("encode failed"), wantAck: true, wantDLQ: true},
		{name: "dead-letter publish fails", body: body, handlerErr: errors.New("encode failed"), dlqErr: errors.New("channel closed"), wantDLQ: true},
		{name: "cancelled is requeued", body: body, handlerErr: fmt.Errorf("packaging: %w", context.Canceled), wantRequeue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &recordingAck{}
			var dead []string
			deadLetter := func(ctx context.Context, req *models.PackageRequest, reason string) error {
				dead = append(dead, reason)
				return tt.dlqErr
			}
			handler := func(ctx context.Context, req *models.PackageRequest) error {
				assert.Equal(t, models.VideoID("trailer"), req.VideoID)
				return tt.handlerErr
			}

			handleDelivery(context.Background(), logging.NewNopLogger(), amqp.Delivery{Acknowledger: ack, Body: tt.body}, handler, deadLetter)

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, !tt.wantAck, ack.nacked)
			assert.Equal(t, tt.wantRequeue, ack.requeue)
			assert.Equal(t, tt.wantDLQ, len(dead) == 1)
		})
	}
}

func TestConsumeTagsWorker(t *testing.T) {
	var buf bytes.Buffer
	q := &Queue{logger: logging.New(&buf, logging.Config{Level: "info", Format: "json"})}

	msgs := make(chan amqp.Delivery, 1)
	msgs <- amqp.Delivery{Acknowledger: &recordingAck{}, Body: []byte("{")}
	close(msgs)

	q.consume(context.Background(), 3, msgs, func(ctx context.Context, req *models.PackageRequest) error { return nil })

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "consumer-3", entry["worker_id"])
}
