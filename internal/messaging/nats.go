// Package messaging publishes terminal checkpoint results to NATS.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kozaktomas/checkpoint/internal/checkpoint"
	"github.com/kozaktomas/checkpoint/internal/code"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/kozaktomas/checkpoint/internal/geo"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject suffixes appended to the configured prefix.
const (
	SubjectCompleted = "completed"
	SubjectAborted   = "aborted"
)

// natsConnection is the subset of *nats.Conn the publisher uses.
type natsConnection interface {
	Publish(subj string, data []byte) error
	Close()
}

// ResultMessage is the payload published for every finished checkpoint.
// Snapshot images are not included.
type ResultMessage struct {
	CheckpointID string            `json:"checkpoint_id"`
	Phase        string            `json:"phase"`
	Reason       string            `json:"reason,omitempty"`
	Face         *face.MatchResult `json:"face,omitempty"`
	Code         *code.Result      `json:"code,omitempty"`
	Location     *geo.Sample       `json:"location,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// NATSPublisher implements checkpoint.Publisher.
type NATSPublisher struct {
	conn   natsConnection
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix string, log *zap.Logger) (*NATSPublisher, error) {
	log = logger.OrNop(log).Named("nats")
	conn, err := nats.Connect(url, nats.Name("checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", url))
	return newPublisher(conn, prefix, log), nil
}

func newPublisher(conn natsConnection, prefix string, log *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "checkpoint"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger.OrNop(log)}
}

// Subject returns the subject a result is published on.
func (p *NATSPublisher) Subject(res checkpoint.Result) string {
	if res.Completed() {
		return p.prefix + "." + SubjectCompleted
	}
	return p.prefix + "." + SubjectAborted
}

func (p *NATSPublisher) Publish(ctx context.Context, res checkpoint.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := ResultMessage{
		CheckpointID: res.ID,
		Phase:        string(res.Phase),
		Reason:       string(res.Reason),
		Face:         res.Face,
		Code:         res.Code,
		Location:     res.Location,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal checkpoint result", zap.Error(err))
		return fmt.Errorf("failed to marshal checkpoint result: %w", err)
	}

	subject := p.Subject(res)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish checkpoint result", zap.Error(err), zap.String("checkpoint_id", res.ID))
		return fmt.Errorf("failed to publish checkpoint result: %w", err)
	}

	p.logger.Info("checkpoint result published", zap.String("checkpoint_id", res.ID), zap.String("subject", subject))
	return nil
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		p.logger.Info("NATS connection closed")
	}
}
