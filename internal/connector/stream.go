package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"go.uber.org/zap"
)

const (
	chunkTypeContentBlockDelta = "content_block_delta"
	payloadBufferSize          = 64 << 10
	chunkLogInterval           = 10
)

// eventStream decodes the AWS event-stream body of
// invoke-with-response-stream into text chunks.
type eventStream struct {
	body    io.ReadCloser
	decoder *eventstream.Decoder
	buf     []byte
	logger  *zap.Logger

	events int
	chunks int
	err    error

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newEventStream(body io.ReadCloser, logger *zap.Logger) *eventStream {
	return &eventStream{
		body:    body,
		decoder: eventstream.NewDecoder(),
		buf:     make([]byte, 0, payloadBufferSize),
		logger:  logger,
	}
}

type chunkEnvelope struct {
	Bytes []byte `json:"bytes"`
}

type streamChunk struct {
	Type    string         `json:"type"`
	Content []contentBlock `json:"content"`
	Delta   *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// Recv returns the next non-empty text chunk, io.EOF at the end of the
// stream, or an *APIError for exception frames.
func (s *eventStream) Recv() (string, error) {
	for {
		if s.err != nil {
			return "", s.err
		}

		msg, err := s.decoder.Decode(s.body, s.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish()
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("decode bedrock event stream: %w", err)
			}
			return "", s.err
		}
		s.events++

		if h := msg.Headers.Get(":message-type"); h != nil && h.String() != "event" {
			excType := h.String()
			if eh := msg.Headers.Get(":exception-type"); eh != nil && eh.String() != "" {
				excType = eh.String()
			}
			s.err = newStreamError(excType, msg.Payload)
			s.logger.Error("Bedrock stream exception", zap.String("error_type", excType), zap.Error(s.err))
			return "", s.err
		}
		if len(msg.Payload) == 0 {
			continue
		}

		text, chunkType, err := decodeChunk(msg.Payload)
		if err != nil {
			s.logger.Error("Error processing chunk", zap.Int("event", s.events), zap.Error(err))
			continue
		}
		if s.events == 1 || s.events%chunkLogInterval == 0 {
			s.logger.Debug("Processing chunk", zap.Int("event", s.events), zap.String("type", chunkType))
		}
		if text == "" {
			continue
		}
		s.chunks++
		return text, nil
	}
}

// Close releases the response body.
func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

func (s *eventStream) finish() {
	s.finishOnce.Do(func() {
		s.logger.Info("Stream complete",
			zap.Int("events", s.events),
			zap.Int("content_chunks", s.chunks),
		)
	})
}

// decodeChunk extracts text from a chunk payload. Both the legacy
// {"content":[{"text":...}]} shape and content_block_delta events are
// understood; other event types yield no text.
func decodeChunk(payload []byte) (string, string, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", fmt.Errorf("decode chunk envelope: %w", err)
	}
	if len(env.Bytes) == 0 {
		return "", "", nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(env.Bytes, &chunk); err != nil {
		return "", "", fmt.Errorf("decode chunk body: %w", err)
	}

	switch {
	case len(chunk.Content) > 0:
		return chunk.Content[0].Text, chunk.Type, nil
	case chunk.Type == chunkTypeContentBlockDelta && chunk.Delta != nil:
		return chunk.Delta.Text, chunk.Type, nil
	}
	return "", chunk.Type, nil
}
