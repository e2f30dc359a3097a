package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"testing"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
)

type sliceStream struct {
	chunks []string
	err    error
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type echoConnector struct{ model string }

func (e *echoConnector) GenerateResponse(_ context.Context, msgs []message.Message, _ *config.ModelParameters) (string, error) {
	return msgs[len(msgs)-1].Content, nil
}

func (e *echoConnector) GenerateStream(_ context.Context, msgs []message.Message, _ *config.ModelParameters) (Stream, error) {
	return &sliceStream{chunks: []string{msgs[len(msgs)-1].Content}}, nil
}

func (e *echoConnector) IsConfigured() bool   { return true }
func (e *echoConnector) ModelName() string    { return e.model }
func (e *echoConnector) SetModel(name string) { e.model = name }

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	if got := r.Providers(); !slices.Equal(got, []string{ProviderBedrock}) {
		t.Fatalf("unexpected providers %v", got)
	}

	c, err := r.New(context.Background(), "Bedrock", Params{Config: config.Default()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.(*Bedrock); !ok {
		t.Fatalf("expected *Bedrock, got %T", c)
	}

	if _, err := r.New(context.Background(), "openai", Params{}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	r.Register("echo", func(_ context.Context, p Params) (Connector, error) {
		return &echoConnector{model: p.Model}, nil
	})
	echo, err := r.New(context.Background(), "echo", Params{Model: "parrot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if echo.ModelName() != "parrot" {
		t.Fatalf("expected params to reach the factory, got %s", echo.ModelName())
	}
	if got := r.Providers(); !slices.Equal(got, []string{ProviderBedrock, "echo"}) {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestDrainStream(t *testing.T) {
	t.Parallel()

	s := &sliceStream{chunks: []string{"a", "b", "c"}}
	text, n, err := DrainStream(s)
	if err != nil || text != "abc" || n != 3 {
		t.Fatalf("DrainStream = %q, %d, %v", text, n, err)
	}
	if !s.closed {
		t.Fatalf("expected stream to be closed")
	}

	boom := errors.New("boom")
	text, n, err = DrainStream(&sliceStream{chunks: []string{"x"}, err: boom})
	if !errors.Is(err, boom) || text != "x" || n != 1 {
		t.Fatalf("DrainStream with error = %q, %d, %v", text, n, err)
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotConfigured, MsgNotConfigured},
		{fmt.Errorf("wrapped: %w", ErrNotConfigured), MsgNotConfigured},
		{&APIError{Type: "ValidationException"}, MsgInvalidRequest},
		{fmt.Errorf("call: %w", &APIError{Message: "AccessDeniedException: nope"}), MsgAuthFailed},
		{errors.New("network down"), MsgUnexpected},
	}
	for _, tc := range tests {
		if got := UserMessage(tc.err); got != tc.want {
			t.Fatalf("UserMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}

	if Classified(errors.New("x")) || Classified(nil) {
		t.Fatalf("generic and nil errors are not classified")
	}
}
