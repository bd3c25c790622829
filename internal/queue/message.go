package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"zipball-packager/internal/models"
)

var ErrBadMessage = errors.New("malformed dispatch message")

// Message is the dispatch payload produced on job creation and retry.
type Message struct {
	Type models.JobType `json:"type"`
	ID   string         `json:"id"`
}

// Publisher enqueues dispatch messages for immediate delivery.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Encode renders the wire form. Field order is fixed, so equal messages encode
// to equal strings.
func Encode(msg Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(b), nil
}

// Decode parses a wire payload. Type is not checked against the known job types;
// resolving it is the dispatcher's job.
func Decode(raw string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if msg.ID == "" || msg.Type == "" {
		return Message{}, fmt.Errorf("%w: type and id are required", ErrBadMessage)
	}
	return msg, nil
}
