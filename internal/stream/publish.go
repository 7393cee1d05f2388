package stream

import (
	"riskflow/logger"
)

// Appender is the write half of the event log. The in-process Store never
// fails an append, but remote-backed implementations can, and tests inject
// failing ones.
type Appender interface {
	Append(topic string, fields map[string]any) (string, error)
}

// Publisher pushes records onto the log with at-most-once, non-blocking
// semantics: one immediate retry, then log-and-drop. Ingestion tasks never
// block on a downstream consumer.
type Publisher struct {
	store Appender
	log   *logger.Log
}

// NewPublisher wraps an appender with the fire-and-forget publish policy.
func NewPublisher(store Appender) *Publisher {
	return &Publisher{store: store, log: logger.GetLogger()}
}

// Publish flattens v and appends it to topic. A failed append is retried
// once; a second failure is an accepted gap.
func (p *Publisher) Publish(topic string, v any) {
	fields, err := Fields(v)
	if err != nil {
		p.log.WithComponent("publisher").WithError(err).WithFields(logger.Fields{"topic": topic}).Warn("failed to flatten record, dropping")
		return
	}

	if _, err := p.store.Append(topic, fields); err != nil {
		if _, err = p.store.Append(topic, fields); err != nil {
			logger.RecordPublishDrop()
			p.log.WithComponent("publisher").WithError(err).WithFields(logger.Fields{"topic": topic}).Warn("publish failed after retry, dropping")
		}
	}
}
