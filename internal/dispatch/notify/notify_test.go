package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AurumAtelier/OrderTrack/internal/broker/messages"
	"github.com/AurumAtelier/OrderTrack/internal/models"
)

type fakePublisher struct {
	jobs     []messages.NotificationJob
	failures int
}

func (f *fakePublisher) PublishNotification(_ context.Context, job any) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker down")
	}
	f.jobs = append(f.jobs, job.(messages.NotificationJob))
	return nil
}

func fastDispatcher(pub Publisher) *Dispatcher {
	d := New(pub, "ops@aurumatelier.example")
	d.retry.BaseDelay = time.Millisecond
	d.retry.MaxDelay = time.Millisecond
	d.retry.Jitter = false
	return d
}

func testRecord() *models.TrackingRecord {
	return &models.TrackingRecord{
		OrderNumber:   "AU-2026-000451",
		CustomerEmail: "buyer@example.com",
	}
}

func TestDispatcher_StatusChanged(t *testing.T) {
	pub := &fakePublisher{}
	d := fastDispatcher(pub)

	err := d.StatusChanged(context.Background(), testRecord(), models.StatusInTransit, models.StatusOnTheRoad)
	require.NoError(t, err)
	require.Len(t, pub.jobs, 1)

	job := pub.jobs[0]
	require.Equal(t, "status_update", job.Kind)
	require.Equal(t, "buyer@example.com", job.Recipient)
	require.Equal(t, models.StatusInTransit, job.PreviousStatus)
	require.Equal(t, models.StatusOnTheRoad, job.NewStatus)
	require.False(t, job.QueuedAt.IsZero())
}

func TestDispatcher_StatusChanged_RetriesThenSucceeds(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	d := fastDispatcher(pub)

	err := d.StatusChanged(context.Background(), testRecord(), models.StatusProcessing, models.StatusPackaging)
	require.NoError(t, err)
	require.Len(t, pub.jobs, 1)
}

func TestDispatcher_StatusChanged_ExhaustsRetries(t *testing.T) {
	pub := &fakePublisher{failures: 10}
	d := fastDispatcher(pub)

	err := d.StatusChanged(context.Background(), testRecord(), models.StatusProcessing, models.StatusPackaging)
	require.Error(t, err)
	require.Empty(t, pub.jobs)
}

func TestDispatcher_ReturnRequested(t *testing.T) {
	pub := &fakePublisher{}
	d := fastDispatcher(pub)

	err := d.ReturnRequested(context.Background(), testRecord(), "stone fell out", 125000)
	require.NoError(t, err)
	require.Len(t, pub.jobs, 2)

	require.Equal(t, "return_requested_admin", pub.jobs[0].Kind)
	require.Equal(t, "ops@aurumatelier.example", pub.jobs[0].Recipient)
	require.Equal(t, "return_requested_customer", pub.jobs[1].Kind)
	require.Equal(t, "buyer@example.com", pub.jobs[1].Recipient)
	for _, job := range pub.jobs {
		require.Equal(t, "stone fell out", job.Reason)
		require.Equal(t, int64(125000), job.RefundAmount)
	}
}
