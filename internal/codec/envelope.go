// Package codec decodes broker payloads into telemetry batches.
package codec

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"pulse/internal/model"
)

// DecodeError marks a payload that can never decode successfully. The
// consumer rejects such deliveries without requeue.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	SessionID  string        `json:"sessionId"`
	UserID     string        `json:"userId"`
	DataPoints []model.Point `json:"dataPoints"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// DecodeBatch parses one delivery body. It fails with *DecodeError on
// malformed JSON, an empty or missing dataPoints array, or a point without
// a timestamp; a batch with zero points is never constructed.
func DecodeBatch(body []byte) (model.Batch, error) {
	var env envelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return model.Batch{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if len(env.DataPoints) == 0 {
		return model.Batch{}, &DecodeError{Reason: "empty dataPoints"}
	}
	for i, p := range env.DataPoints {
		if p.Timestamp == 0 {
			return model.Batch{}, &DecodeError{Reason: fmt.Sprintf("dataPoints[%d] missing timestamp", i)}
		}
	}
	received := env.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return model.Batch{
		SessionKey: env.SessionID,
		OwnerKey:   env.UserID,
		Points:     env.DataPoints,
		ReceivedAt: received,
	}, nil
}
