package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
)

type responderFunc func(ctx context.Context, userID, message string) string

func (f responderFunc) GetResponse(ctx context.Context, userID, message string) string {
	return f(ctx, userID, message)
}

type countingResponder struct {
	mu    sync.Mutex
	calls map[string]int
	reply func(userID, message string) string
}

func (c *countingResponder) GetResponse(ctx context.Context, userID, message string) string {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[message]++
	c.mu.Unlock()
	return c.reply(userID, message)
}

func (c *countingResponder) count(message string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[message]
}

func inbound(id, from, text string) models.InboundMessage {
	return models.InboundMessage{ID: id, From: from, Text: text, Timestamp: 1700000000}
}

func TestDispatch_SendsReplyOnce(t *testing.T) {
	sender := messaging.NewMockService()
	responder := &countingResponder{reply: func(_, msg string) string { return "echo: " + msg }}
	r := New(responder, sender)

	r.Dispatch(context.Background(), []models.InboundMessage{inbound("m1", "15551234567", "hello")})
	r.Wait()

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15551234567", sent[0].To)
	assert.Equal(t, "echo: hello", sent[0].Body)
	assert.Equal(t, 1, responder.count("hello"))
}

func TestDispatch_PanicSendsFallback(t *testing.T) {
	sender := messaging.NewMockService()
	r := New(responderFunc(func(ctx context.Context, userID, message string) string {
		panic("assistant exploded")
	}), sender)

	r.Dispatch(context.Background(), []models.InboundMessage{inbound("m1", "15551234567", "hello")})
	r.Wait()

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, FallbackReply, sent[0].Body)
}

func TestDispatch_EmptyReplySendsFallback(t *testing.T) {
	sender := messaging.NewMockService()
	r := New(responderFunc(func(ctx context.Context, userID, message string) string { return "" }), sender)

	r.Dispatch(context.Background(), []models.InboundMessage{inbound("m1", "15551234567", "hello")})
	r.Wait()

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, FallbackReply, sent[0].Body)
}

func TestDispatch_SiblingsIsolated(t *testing.T) {
	sender := messaging.NewMockService()
	r := New(responderFunc(func(ctx context.Context, userID, message string) string {
		if message == "bad" {
			panic("boom")
		}
		return "ok: " + message
	}), sender)

	r.Dispatch(context.Background(), []models.InboundMessage{
		inbound("m1", "15551111111", "good one"),
		inbound("m2", "15552222222", "bad"),
		inbound("m3", "15553333333", "good two"),
	})
	r.Wait()

	bodies := map[string]string{}
	for _, m := range sender.Sent() {
		bodies[m.To] = m.Body
	}
	assert.Equal(t, map[string]string{
		"15551111111": "ok: good one",
		"15552222222": FallbackReply,
		"15553333333": "ok: good two",
	}, bodies)
}

func TestDispatch_SkipsDuplicates(t *testing.T) {
	sender := messaging.NewMockService()
	responder := &countingResponder{reply: func(_, msg string) string { return "reply" }}
	r := New(responder, sender, WithDedup(store.NewInMemoryStore()))

	msg := inbound("wamid.1", "15551234567", "hello")
	r.Dispatch(context.Background(), []models.InboundMessage{msg})
	r.Wait()
	r.Dispatch(context.Background(), []models.InboundMessage{msg})
	r.Wait()

	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, 1, responder.count("hello"))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDispatch_RedeliveryAfterUnfinishedTaskIsAnswered(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewInMemoryStore(store.WithClock(clock.Now))
	sender := messaging.NewMockService()
	responder := &countingResponder{reply: func(_, msg string) string { return "reply" }}
	r := New(responder, sender, WithDedup(st), WithMessageTimeout(time.Minute))
	msg := inbound("wamid.retry", "15551234567", "hello")

	sender.Err = errors.New("provider down")
	r.Dispatch(context.Background(), []models.InboundMessage{msg})
	r.Wait()
	require.Empty(t, sender.Sent())

	// Redelivered while the first claim could still belong to a running task.
	sender.Err = nil
	r.Dispatch(context.Background(), []models.InboundMessage{msg})
	r.Wait()
	assert.Empty(t, sender.Sent())
	assert.Equal(t, 1, responder.count("hello"))

	clock.Advance(time.Minute)
	r.Dispatch(context.Background(), []models.InboundMessage{msg})
	r.Wait()
	require.Len(t, sender.Sent(), 1)
	assert.Equal(t, 2, responder.count("hello"))

	// Once answered, later redeliveries stay suppressed.
	clock.Advance(time.Hour)
	r.Dispatch(context.Background(), []models.InboundMessage{msg})
	r.Wait()
	assert.Len(t, sender.Sent(), 1)
}

func TestDispatch_MessagesWithoutIDAreNotDeduplicated(t *testing.T) {
	sender := messaging.NewMockService()
	r := New(responderFunc(func(ctx context.Context, userID, message string) string { return "reply" }),
		sender, WithDedup(store.NewInMemoryStore()))

	msg := inbound("", "15551234567", "hello")
	r.Dispatch(context.Background(), []models.InboundMessage{msg, msg})
	r.Wait()

	assert.Len(t, sender.Sent(), 2)
}

func TestDispatch_SkipsInvalidMessages(t *testing.T) {
	sender := messaging.NewMockService()
	responder := &countingResponder{reply: func(_, msg string) string { return "reply" }}
	r := New(responder, sender)

	r.Dispatch(context.Background(), []models.InboundMessage{
		inbound("m1", "", "no sender"),
		inbound("m2", "15551234567", ""),
	})
	r.Wait()

	assert.Empty(t, sender.Sent())
}

func TestDispatch_SendFailureIsContained(t *testing.T) {
	sender := messaging.NewMockService()
	sender.Err = errors.New("provider down")
	r := New(responderFunc(func(ctx context.Context, userID, message string) string { return "reply" }), sender)

	r.Dispatch(context.Background(), []models.InboundMessage{inbound("m1", "15551234567", "hello")})
	r.Wait()

	assert.Empty(t, sender.Sent())
}

func TestDispatch_SurvivesCallerCancellation(t *testing.T) {
	sender := messaging.NewMockService()
	release := make(chan struct{})
	r := New(responderFunc(func(ctx context.Context, userID, message string) string {
		<-release
		if ctx.Err() != nil {
			return "cancelled"
		}
		return "reply"
	}), sender)

	ctx, cancel := context.WithCancel(context.Background())
	r.Dispatch(ctx, []models.InboundMessage{inbound("m1", "15551234567", "hello")})
	cancel()
	close(release)
	r.Wait()

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reply", sent[0].Body)
}

func TestDispatch_AppliesMessageTimeout(t *testing.T) {
	sender := messaging.NewMockService()
	r := New(responderFunc(func(ctx context.Context, userID, message string) string {
		<-ctx.Done()
		return "deadline: " + ctx.Err().Error()
	}), sender, WithMessageTimeout(20*time.Millisecond))

	r.Dispatch(context.Background(), []models.InboundMessage{inbound("m1", "15551234567", "hello")})
	r.Wait()

	// The send shares the expired task context; the mock ignores it and records the body.
	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].Body, "deadline: "))
}

func TestPump(t *testing.T) {
	sender := messaging.NewMockService()
	r := New(responderFunc(func(ctx context.Context, userID, message string) string { return "pumped" }), sender)

	done := make(chan struct{})
	go func() {
		r.Pump(context.Background(), sender.Responses())
		close(done)
	}()

	sender.Deliver(inbound("m1", "15551234567", "hello"))
	require.NoError(t, sender.Stop())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after channel close")
	}
	r.Wait()

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "pumped", sent[0].Body)
}
