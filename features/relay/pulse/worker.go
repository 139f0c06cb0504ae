package pulse

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/clue/log"

	clientspulse "goa.design/postpipe/features/relay/pulse/clients/pulse"
	"goa.design/postpipe/runtime/pipeline"
	"goa.design/postpipe/runtime/transport/relay"
)

// DefaultSinkName identifies the relay worker consumer group.
const DefaultSinkName = "postpipe_relay"

// WorkerOptions configures a relay worker.
type WorkerOptions struct {
	// Client is the Pulse client used to consume step messages. Required.
	Client clientspulse.Client
	// Consumer processes decoded messages. Required.
	Consumer *relay.Consumer
	// Errors receives notices for messages that cannot be decoded. Required.
	Errors relay.ErrorSink
	// StepStream overrides the default step stream name.
	StepStream string
	// SinkName identifies the consumer group. Defaults to DefaultSinkName.
	SinkName string
}

// Worker consumes the step stream and drives the relay consumer. Messages are
// acked once handled; a retryable handler error leaves the message pending so
// the consumer group redelivers it.
type Worker struct {
	client   clientspulse.Client
	consumer *relay.Consumer
	errors   relay.ErrorSink
	stream   string
	sink     string
}

// NewWorker builds a Worker from options.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("relay consumer is required")
	}
	if opts.Errors == nil {
		return nil, errors.New("error sink is required")
	}
	stream := opts.StepStream
	if stream == "" {
		stream = DefaultStepStream
	}
	sink := opts.SinkName
	if sink == "" {
		sink = DefaultSinkName
	}
	return &Worker{
		client:   opts.Client,
		consumer: opts.Consumer,
		errors:   opts.Errors,
		stream:   stream,
		sink:     sink,
	}, nil
}

// Run consumes step messages until ctx is canceled or the sink channel
// closes. It returns ctx.Err on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	str, err := w.client.Stream(w.stream)
	if err != nil {
		return err
	}
	sink, err := str.NewSink(ctx, w.sink)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if w.handleEvent(ctx, evt.Payload) {
				if err := sink.Ack(ctx, evt); err != nil {
					log.Error(ctx, err, log.KV{K: "msg", V: "ack step message"})
				}
			}
		}
	}
}

// handleEvent processes one raw payload and reports whether it should be
// acked. Undecodable payloads are settled on the error channel and acked;
// retryable handler errors leave the message pending.
func (w *Worker) handleEvent(ctx context.Context, payload []byte) bool {
	var msg relay.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "decode step message"})
		notice := relay.Notice{
			Error: pipeline.WrapError(pipeline.CodeInvalidInput, "undecodable step message", err),
		}
		if err := w.errors.SendError(ctx, notice); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "settle undecodable message"})
		}
		return true
	}
	if err := w.consumer.Handle(ctx, msg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "handle step message"},
			log.KV{K: "runTraceId", V: msg.RunTraceID})
		return false
	}
	return true
}
