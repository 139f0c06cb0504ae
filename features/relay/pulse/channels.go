// Package pulse backs the queue relay with Pulse streams over Redis. Step
// messages flow through one stream and failure notices through another; the
// relay worker consumes the step stream through a consumer group so unacked
// messages are redelivered.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/postpipe/features/relay/pulse/clients/pulse"
	"goa.design/postpipe/runtime/transport/relay"
)

const (
	// DefaultStepStream carries step continuation messages.
	DefaultStepStream = "postpipe_steps"
	// DefaultErrorStream carries failure notices.
	DefaultErrorStream = "postpipe_errors"

	stepEventName  = "step"
	errorEventName = "error"
)

// Options configures the relay channels.
type Options struct {
	// Client is the Pulse client used for publishing. Required.
	Client clientspulse.Client
	// StepStream and ErrorStream override the default stream names.
	StepStream  string
	ErrorStream string
}

// Channels implements relay.Queue and relay.ErrorSink over two Pulse streams.
type Channels struct {
	client clientspulse.Client
	steps  clientspulse.Stream
	errs   clientspulse.Stream

	stepStream  string
	errorStream string
}

// NewChannels opens (or creates) the step and error streams.
func NewChannels(opts Options) (*Channels, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	stepStream := opts.StepStream
	if stepStream == "" {
		stepStream = DefaultStepStream
	}
	errorStream := opts.ErrorStream
	if errorStream == "" {
		errorStream = DefaultErrorStream
	}
	steps, err := opts.Client.Stream(stepStream)
	if err != nil {
		return nil, fmt.Errorf("open step stream: %w", err)
	}
	errs, err := opts.Client.Stream(errorStream)
	if err != nil {
		return nil, fmt.Errorf("open error stream: %w", err)
	}
	return &Channels{
		client:      opts.Client,
		steps:       steps,
		errs:        errs,
		stepStream:  stepStream,
		errorStream: errorStream,
	}, nil
}

// Send publishes a step message.
func (c *Channels) Send(ctx context.Context, msg relay.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode step message: %w", err)
	}
	if _, err := c.steps.Add(ctx, stepEventName, payload); err != nil {
		return fmt.Errorf("publish step message: %w", err)
	}
	return nil
}

// SendError publishes a failure notice.
func (c *Channels) SendError(ctx context.Context, n relay.Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode failure notice: %w", err)
	}
	if _, err := c.errs.Add(ctx, errorEventName, payload); err != nil {
		return fmt.Errorf("publish failure notice: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Channels) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}
