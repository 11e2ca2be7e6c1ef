package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skolhustick/mdwnio/internal/progress"
	"github.com/skolhustick/mdwnio/internal/publisher/memory"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

func terminal(stage progress.Stage, cache string) progress.Event {
	evt := progress.Event{
		ResolutionID: progress.UUIDToBytes(uuid.New()),
		TS:           time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Stage:        stage,
		URL:          "https://example.com/post",
		Key:          "https://example.com/post",
		Dur:          1500 * time.Millisecond,
	}
	if stage == progress.StageResolveDone {
		evt.Provenance = "converted"
		evt.Cache = cache
	} else {
		evt.Kind = "UNREACHABLE"
	}
	return evt
}

func TestPublishSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New(0)
	sink := NewPublishSink(pub, "resolutions", false, nil)

	batch := []progress.Event{
		{ResolutionID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Stage: progress.StageResolveStart},
		terminal(progress.StageResolveDone, "miss"),
		terminal(progress.StageResolveDone, "hit"),
		terminal(progress.StageResolveError, ""),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "resolutions", msgs[0].Topic)

	done, ok := msgs[0].Payload.(Notice)
	require.True(t, ok)
	require.Equal(t, "success", done.Outcome)
	require.Equal(t, "converted", done.Provenance)
	require.EqualValues(t, 1500, done.DurationMS)
	require.Equal(t, "converted", msgs[0].Attributes["provenance"])

	failed := msgs[1].Payload.(Notice)
	require.Equal(t, "error", failed.Outcome)
	require.Equal(t, "UNREACHABLE", failed.Kind)
	require.Equal(t, "UNREACHABLE", msgs[1].Attributes["kind"])
}

func TestPublishSinkIncludeHits(t *testing.T) {
	t.Parallel()

	pub := memory.New(0)
	sink := NewPublishSink(pub, "resolutions", true, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{terminal(progress.StageResolveDone, "hit")}))
	require.Len(t, pub.Messages(), 1)
}

func TestPublishSinkJoinsFailures(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "resolutions", mock.AnythingOfType("sinks.Notice")).
		Return("", errors.New("broker unavailable")).Once()
	pub.On("Publish", mock.Anything, "resolutions", mock.AnythingOfType("sinks.Notice")).
		Return("msg-2", nil).Once()

	sink := NewPublishSink(pub, "resolutions", false, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		terminal(progress.StageResolveError, ""),
		terminal(progress.StageResolveDone, "miss"),
	})
	require.ErrorContains(t, err, "broker unavailable")
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestNilPublishSinkIsNoop(t *testing.T) {
	t.Parallel()

	var sink *PublishSink
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{terminal(progress.StageResolveDone, "miss")}))
}
