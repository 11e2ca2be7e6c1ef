package sinks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/progress"
	"github.com/skolhustick/mdwnio/internal/publisher"
)

// Notice is the message published for every finished resolution.
type Notice struct {
	ResolutionID string    `json:"resolution_id"`
	URL          string    `json:"url"`
	Key          string    `json:"key,omitempty"`
	Outcome      string    `json:"outcome"`
	Provenance   string    `json:"provenance,omitempty"`
	Cache        string    `json:"cache,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Attributes exposes filterable fields as message attributes.
func (n Notice) Attributes() map[string]string {
	attrs := map[string]string{"outcome": n.Outcome}
	if n.Provenance != "" {
		attrs["provenance"] = n.Provenance
	}
	if n.Kind != "" {
		attrs["kind"] = n.Kind
	}
	return attrs
}

// PublishSink forwards terminal events to a topic. Cache hits are skipped
// unless IncludeHits is set.
type PublishSink struct {
	pub         publisher.Publisher
	topic       string
	includeHits bool
	logger      *zap.Logger
}

// NewPublishSink builds a sink publishing to topic through pub.
func NewPublishSink(pub publisher.Publisher, topic string, includeHits bool, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, includeHits: includeHits, logger: logger}
}

// Consume publishes one Notice per terminal event. Every event is attempted;
// the returned error joins the individual failures.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if evt.Stage == progress.StageResolveDone && evt.Cache == "hit" && !s.includeHits {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, noticeFor(evt))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("published resolution notice", zap.String("message_id", id), zap.String("url", evt.URL))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func noticeFor(evt progress.Event) Notice {
	n := Notice{
		ResolutionID: evt.ID().String(),
		URL:          evt.URL,
		Key:          evt.Key,
		DurationMS:   evt.Dur.Milliseconds(),
		FinishedAt:   evt.TS.UTC(),
	}
	if evt.Stage == progress.StageResolveError {
		n.Outcome = "error"
		n.Kind = evt.Kind
		return n
	}
	n.Outcome = "success"
	n.Provenance = evt.Provenance
	n.Cache = evt.Cache
	return n
}
