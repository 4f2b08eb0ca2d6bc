package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/process"
	"github.com/core-tools/hsu-assistant/pkg/process/processtest"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
)

func newAttachedRouter(t *testing.T, options ...Option) (*Router, *processtest.FakeProcess) {
	t.Helper()
	r := New(Config{RequestTimeout: 5 * time.Second}, logging.NewNopLogger(), options...)
	proc := processtest.NewFakeProcess(100)
	require.NoError(t, r.Attach(proc.Stdin(), proc.Stdout()))
	t.Cleanup(func() {
		r.Close()
		proc.Exit(process.ExitStatus{})
		_ = proc.Close()
	})
	return r, proc
}

func outbound(t *testing.T, raw string) protocol.OutboundMessage {
	t.Helper()
	msg, err := protocol.ParseOutbound([]byte(raw))
	require.NoError(t, err)
	return msg
}

func receive(t *testing.T, sub *Subscription) protocol.InboundMessage {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.InboundMessage{}
	}
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.C():
		require.False(t, ok, "expected subscription to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
}

func TestRouter_ReplyScenario(t *testing.T) {
	r, proc := newAttachedRouter(t)
	reply := `{"type":"assistant_message","content":"hello","request_id":"r1"}`
	proc.Serve(func(line []byte) []string {
		if gjson.GetBytes(line, "request_id").String() == "r1" {
			return []string{reply}
		}
		return nil
	})

	msg, err := r.SendAndAwait(context.Background(),
		outbound(t, `{"type":"user_message","content":"hi","request_id":"r1"}`), "r1", time.Second)

	require.NoError(t, err)
	assert.Equal(t, reply, string(msg.Raw))
	assert.Equal(t, protocol.KindAssistantMessage, msg.Kind)
}

func TestRouter_CorrelationResolvesOnlyMatchingRequest(t *testing.T) {
	r, proc := newAttachedRouter(t)

	results := make(map[string]chan protocol.InboundMessage)
	for _, id := range []string{"a", "b"} {
		ch := make(chan protocol.InboundMessage, 1)
		results[id] = ch
		go func(id string) {
			msg, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), id, 2*time.Second)
			if err == nil {
				ch <- msg
			}
			close(ch)
		}(id)
	}

	reader := bufio.NewScanner(proc.HostInput())
	require.True(t, reader.Scan())
	require.True(t, reader.Scan())

	require.NoError(t, proc.WriteStdout(`{"type":"assistant_message","request_id":"b","n":2}`+"\n"))

	msg, ok := <-results["b"]
	require.True(t, ok)
	assert.Equal(t, "b", msg.RequestID)

	select {
	case <-results["a"]:
		t.Fatal("request a must not be resolved by reply b")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, r.Stats().Pending)

	require.NoError(t, proc.WriteStdout(`{"type":"assistant_message","message_id":"a"}`+"\n"))
	msg, ok = <-results["a"]
	require.True(t, ok)
	assert.Equal(t, "a", msg.MessageID)
}

func TestRouter_GeneratesAndStampsRequestID(t *testing.T) {
	r, proc := newAttachedRouter(t)
	proc.Serve(func(line []byte) []string {
		id := gjson.GetBytes(line, "request_id").String()
		return []string{fmt.Sprintf(`{"type":"result","request_id":%q}`, id)}
	})

	msg, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"ping"}`), "", time.Second)

	require.NoError(t, err)
	assert.NotEmpty(t, msg.RequestID)
	assert.Len(t, msg.RequestID, 36)
}

func TestRouter_DuplicatePendingIDConflicts(t *testing.T) {
	r, _ := newAttachedRouter(t)

	go func() {
		_, _ = r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), "dup", time.Second)
	}()
	require.Eventually(t, func() bool { return r.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), "dup", time.Second)
	assert.True(t, errors.IsConflictError(err))
}

func TestRouter_TimeoutRemovesOnlyItsEntry(t *testing.T) {
	r, proc := newAttachedRouter(t)

	slow := make(chan error, 1)
	go func() {
		_, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), "slow", 2*time.Second)
		slow <- err
	}()
	require.Eventually(t, func() bool { return r.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), "fast", 50*time.Millisecond)

	assert.True(t, errors.IsRequestTimeoutError(err))
	assert.Equal(t, 1, r.Stats().Pending)
	assert.Equal(t, uint64(1), r.Stats().Timeouts)
	assert.True(t, r.Attached())

	require.NoError(t, proc.WriteStdout(`{"type":"assistant_message","request_id":"slow"}`+"\n"))
	assert.NoError(t, <-slow)
}

func TestRouter_ContextCancellation(t *testing.T) {
	r, _ := newAttachedRouter(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.SendAndAwait(ctx, outbound(t, `{"type":"q"}`), "c1", time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.True(t, errors.IsCancelledError(<-done))
	assert.Equal(t, 0, r.Stats().Pending)
}

func TestRouter_BroadcastFanOut(t *testing.T) {
	r, proc := newAttachedRouter(t)

	first, err := r.Subscribe(protocol.TypeStreamDelta)
	require.NoError(t, err)
	second, err := r.Subscribe(protocol.TypeStreamDelta)
	require.NoError(t, err)
	other, err := r.Subscribe(protocol.TypeAssistantMessage)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, proc.WriteStdout(fmt.Sprintf(`{"type":"stream_delta","delta":"%d"}`+"\n", i)))
	}
	require.NoError(t, proc.WriteStdout(`{"type":"assistant_message","content":"done"}`+"\n"))

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < 20; i++ {
			msg := receive(t, sub)
			assert.Equal(t, fmt.Sprint(i), msg.Get("delta").String())
		}
	}
	assert.Equal(t, "done", receive(t, other).Get("content").String())
}

func TestRouter_CorrelatedReplyAlsoBroadcast(t *testing.T) {
	r, proc := newAttachedRouter(t)
	all, err := r.Subscribe("")
	require.NoError(t, err)
	proc.Serve(func(line []byte) []string {
		return []string{`{"type":"assistant_message","request_id":"r9"}`}
	})

	_, err = r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), "r9", time.Second)
	require.NoError(t, err)

	assert.Equal(t, "r9", receive(t, all).RequestID)
}

func TestRouter_UnknownTypesRouteToMatchingSubscribers(t *testing.T) {
	r, proc := newAttachedRouter(t)
	sub, err := r.Subscribe("telemetry.v2")
	require.NoError(t, err)

	require.NoError(t, proc.WriteStdout(`{"type":"telemetry.v2","cpu":3}`+"\n"))

	msg := receive(t, sub)
	assert.Equal(t, protocol.KindUnknown, msg.Kind)
	variant, err := msg.Variant()
	require.NoError(t, err)
	assert.Equal(t, "telemetry.v2", variant.(protocol.Unknown).Type)
}

func TestRouter_MalformedLinesReportedAndSkipped(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	r, proc := newAttachedRouter(t, WithMalformedSink(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}))
	sub, err := r.Subscribe("")
	require.NoError(t, err)

	require.NoError(t, proc.WriteStdout("not json\n[1,2]\n{\"type\":\"system\"}\n"))

	assert.Equal(t, protocol.TypeSystem, receive(t, sub).Type)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	for _, err := range reported {
		assert.True(t, errors.IsMalformedMessageError(err))
	}
	assert.Equal(t, uint64(2), r.Stats().Malformed)
}

func TestRouter_SendPreservesOrder(t *testing.T) {
	r, proc := newAttachedRouter(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, r.Send(outbound(t, fmt.Sprintf(`{"type":"seq","n":%d}`, i))))
	}

	scanner := bufio.NewScanner(proc.HostInput())
	for i := 0; i < 100; i++ {
		require.True(t, scanner.Scan())
		var line struct {
			Type string `json:"type"`
			N    int    `json:"n"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		assert.Equal(t, i, line.N)
	}
	require.Eventually(t, func() bool { return r.Stats().Outbound == 100 }, time.Second, 5*time.Millisecond)
}

func TestRouter_TeardownFailsPendingAndClosesSubscriptions(t *testing.T) {
	r, proc := newAttachedRouter(t)
	sub, err := r.Subscribe(protocol.TypeStreamDelta)
	require.NoError(t, err)

	const pending = 8
	errs := make(chan error, pending)
	for i := 0; i < pending; i++ {
		go func(i int) {
			_, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), fmt.Sprintf("p%d", i), time.Minute)
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return r.Stats().Pending == pending }, time.Second, 5*time.Millisecond)

	r.Close()

	deadline := time.After(time.Second)
	for i := 0; i < pending; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.IsProcessTerminatedError(err))
		case <-deadline:
			t.Fatal("pending requests were not resolved")
		}
	}
	requireClosed(t, sub)

	_ = proc.WriteStdout(`{"type":"stream_delta","delta":"late"}` + "\n")
	assert.Equal(t, uint64(0), r.Stats().Inbound)

	assert.Error(t, r.Send(outbound(t, `{"type":"q"}`)))
	_, err = r.Subscribe("")
	assert.True(t, errors.IsCancelledError(err))
}

func TestRouter_DetachDrainsFinalOutput(t *testing.T) {
	r, proc := newAttachedRouter(t)
	sub, err := r.Subscribe("")
	require.NoError(t, err)

	pendingErr := make(chan error, 1)
	go func() {
		_, err := r.SendAndAwait(context.Background(), outbound(t, `{"type":"q"}`), "never", time.Minute)
		pendingErr <- err
	}()
	require.Eventually(t, func() bool { return r.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		_ = proc.WriteStdout(`{"type":"result","result":"bye"}` + "\n")
		proc.Exit(process.ExitStatus{Code: 1})
	}()
	r.Detach(2 * time.Second)

	assert.Equal(t, "bye", receive(t, sub).Get("result").String())
	requireClosed(t, sub)
	assert.True(t, errors.IsProcessTerminatedError(<-pendingErr))
	assert.False(t, r.Attached())

	err = r.Send(outbound(t, `{"type":"q"}`))
	assert.True(t, errors.IsProcessTerminatedError(err))
}

func TestRouter_ReattachAfterDetach(t *testing.T) {
	r := New(DefaultConfig(), logging.NewNopLogger())
	defer r.Close()

	first := processtest.NewFakeProcess(1)
	require.NoError(t, r.Attach(first.Stdin(), first.Stdout()))
	assert.True(t, errors.IsConflictError(r.Attach(first.Stdin(), first.Stdout())))
	first.Exit(process.ExitStatus{})
	r.Detach(time.Second)

	// made while detached, bound to the next run
	sub, err := r.Subscribe("")
	require.NoError(t, err)

	second := processtest.NewFakeProcess(2)
	require.NoError(t, r.Attach(second.Stdin(), second.Stdout()))
	require.NoError(t, second.WriteStdout(`{"type":"system","subtype":"init"}`+"\n"))

	assert.Equal(t, "init", receive(t, sub).Get("subtype").String())
	second.Exit(process.ExitStatus{})
	r.Detach(time.Second)
	requireClosed(t, sub)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	r, proc := newAttachedRouter(t)
	sub, err := r.Subscribe("")
	require.NoError(t, err)

	sub.Close()
	requireClosed(t, sub)
	assert.Equal(t, 0, r.Stats().Subscribers)

	require.NoError(t, proc.WriteStdout(`{"type":"system"}`+"\n"))
	require.Eventually(t, func() bool { return r.Stats().Inbound == 1 }, time.Second, 5*time.Millisecond)
}
