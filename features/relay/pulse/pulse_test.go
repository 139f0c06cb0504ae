package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/postpipe/features/relay/pulse/clients/pulse"
	"goa.design/postpipe/runtime/pipeline"
	"goa.design/postpipe/runtime/transport/relay"
)

type fakeStream struct {
	name string

	mu     sync.Mutex
	seq    int
	events []*streaming.Event
	ch     chan *streaming.Event
	addErr error
}

func newFakeStream(name string) *fakeStream {
	return &fakeStream{name: name, ch: make(chan *streaming.Event, 16)}
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.seq++
	evt := &streaming.Event{ID: fmt.Sprintf("%d-0", s.seq), EventName: event, Payload: payload}
	s.events = append(s.events, evt)
	s.ch <- evt
	return evt.ID, nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return &fakeSink{stream: s}, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) recorded() []*streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*streaming.Event(nil), s.events...)
}

type fakeSink struct {
	stream *fakeStream

	mu    sync.Mutex
	acked []string
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.stream.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = newFakeStream(name)
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type memStore struct {
	mu   sync.Mutex
	runs map[string]pipeline.Run
}

func (s *memStore) Load(_ context.Context, id string) (pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	return r, nil
}

func (s *memStore) Upsert(_ context.Context, r pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunTraceID] = r
	return nil
}

type stubProviders struct{}

func (stubProviders) GenerateContent(_ context.Context, id, _, _ string) (string, error) {
	return "content/" + id, nil
}

func (stubProviders) GenerateMedia(_ context.Context, id, _, _, _ string) (string, error) {
	return "media/" + id, nil
}

func (stubProviders) PublishPost(_ context.Context, in pipeline.PublishInput) (string, error) {
	return "post/" + in.RunTraceID, nil
}

func newTestMachine(t *testing.T) (*pipeline.Machine, *memStore) {
	t.Helper()
	store := &memStore{runs: make(map[string]pipeline.Run)}
	ex := pipeline.NewExecutor()
	providers := stubProviders{}
	acts := &pipeline.Activities{Store: store, Content: providers, Media: providers, Publisher: providers}
	require.NoError(t, acts.Register(ex))
	return pipeline.NewMachine(store, ex), store
}

func TestChannelsPublishStepAndErrorPayloads(t *testing.T) {
	client := newFakeClient()
	ch, err := NewChannels(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	msg := relay.Message{RunTraceID: "r1", BrandID: "b1", Step: pipeline.PhaseContent}
	require.NoError(t, ch.Send(ctx, msg))
	require.NoError(t, ch.SendError(ctx, relay.Notice{
		RunTraceID: "r1",
		Step:       pipeline.PhaseMedia,
		Error:      pipeline.NewError(pipeline.CodeProviderFailure, "render rejected"),
	}))

	steps := client.streams[DefaultStepStream].recorded()
	require.Len(t, steps, 1)
	require.Equal(t, stepEventName, steps[0].EventName)
	var decoded relay.Message
	require.NoError(t, json.Unmarshal(steps[0].Payload, &decoded))
	require.Equal(t, msg, decoded)

	notices := client.streams[DefaultErrorStream].recorded()
	require.Len(t, notices, 1)
	require.Equal(t, errorEventName, notices[0].EventName)
	var notice relay.Notice
	require.NoError(t, json.Unmarshal(notices[0].Payload, &notice))
	require.Equal(t, pipeline.CodeProviderFailure, notice.Error.Code)
}

func TestWorkerDrivesRunToCompletion(t *testing.T) {
	client := newFakeClient()
	channels, err := NewChannels(Options{Client: client})
	require.NoError(t, err)
	machine, store := newTestMachine(t)
	consumer := relay.NewConsumer(machine, channels, channels)
	worker, err := NewWorker(WorkerOptions{Client: client, Consumer: consumer, Errors: channels})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	id, err := consumer.Seed(ctx, "b1", "p1", "r1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := store.Load(context.Background(), id)
		return err == nil && run.Phase == pipeline.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	run, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "post/r1", run.PostRef)
	require.Empty(t, client.streams[DefaultErrorStream].recorded())
}

func TestHandleEventSettlesUndecodablePayload(t *testing.T) {
	client := newFakeClient()
	channels, err := NewChannels(Options{Client: client})
	require.NoError(t, err)
	machine, _ := newTestMachine(t)
	consumer := relay.NewConsumer(machine, channels, channels)
	worker, err := NewWorker(WorkerOptions{Client: client, Consumer: consumer, Errors: channels})
	require.NoError(t, err)

	require.True(t, worker.handleEvent(context.Background(), []byte(`{"runTraceId":`)))
	notices := client.streams[DefaultErrorStream].recorded()
	require.Len(t, notices, 1)
	var notice relay.Notice
	require.NoError(t, json.Unmarshal(notices[0].Payload, &notice))
	require.Equal(t, pipeline.CodeInvalidInput, notice.Error.Code)
}

func TestHandleEventLeavesRetryableFailurePending(t *testing.T) {
	client := newFakeClient()
	channels, err := NewChannels(Options{Client: client})
	require.NoError(t, err)
	machine, _ := newTestMachine(t)
	consumer := relay.NewConsumer(machine, channels, channels)
	worker, err := NewWorker(WorkerOptions{Client: client, Consumer: consumer, Errors: channels})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := machine.Start(ctx, "b1", "p1", "r1")
	require.NoError(t, err)

	// Break the step stream so the continuation cannot be enqueued. Handle
	// returns a retryable error and the message must stay pending.
	client.streams[DefaultStepStream].mu.Lock()
	client.streams[DefaultStepStream].addErr = errors.New("redis down")
	client.streams[DefaultStepStream].mu.Unlock()

	payload, err := json.Marshal(relay.Message{RunTraceID: id, BrandID: "b1", PostPlanID: "p1", Step: pipeline.PhaseContent})
	require.NoError(t, err)
	require.False(t, worker.handleEvent(ctx, payload))
}

func TestNewWorkerValidatesOptions(t *testing.T) {
	client := newFakeClient()
	machine, _ := newTestMachine(t)
	channels, err := NewChannels(Options{Client: client})
	require.NoError(t, err)
	consumer := relay.NewConsumer(machine, channels, channels)

	_, err = NewWorker(WorkerOptions{Consumer: consumer, Errors: channels})
	require.EqualError(t, err, "pulse client is required")
	_, err = NewWorker(WorkerOptions{Client: client, Errors: channels})
	require.EqualError(t, err, "relay consumer is required")
	_, err = NewWorker(WorkerOptions{Client: client, Consumer: consumer})
	require.EqualError(t, err, "error sink is required")
}
