package chat

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"chatcore/tools/errs"
)

func TestDispatch(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(metrics, zap.NewNop())
	d.Register(HandlerFunc{EventType: EventPing, Fn: func(ctx context.Context, req *Request, _ Event) error {
		return req.Reply(ctx, EventPing, "pong")
	}})
	d.Register(HandlerFunc{EventType: EventSelf, Fn: func(context.Context, *Request, Event) error {
		return errors.New("db is gone")
	}})
	d.Register(HandlerFunc{EventType: EventAddContact, Fn: func(context.Context, *Request, Event) error {
		return errs.Validation("cannot add itself as a contact")
	}})
	d.Register(HandlerFunc{EventType: EventGetContacts, Fn: func(context.Context, *Request, Event) error {
		panic("boom")
	}})

	conn := &fakeConn{}
	sess := startSession(t, "alice", conn, testOptions())
	req := &Request{Username: "alice", Session: sess}
	ctx := context.Background()

	frames := []string{
		`{"type":"ping"}`,
		`not json`,
		`{"type":"get_messages"}`,
		`{"type":"self"}`,
		`{"type":"add_contact","contact_username":"alice"}`,
		`{"type":"get_contacts"}`,
		`{"type":"get_conversations"}`,
	}
	for _, f := range frames {
		d.Dispatch(ctx, req, []byte(f))
	}

	want := []string{
		`{"success":true,"type":"ping","data":"pong"}`,
		`{"success":false,"error":"invalid json event"}`,
		`{"success":false,"type":"get_messages","error":"expected conversation_id as integer"}`,
		`{"success":false,"type":"self","error":"something went wrong: self"}`,
		`{"success":false,"type":"add_contact","error":"cannot add itself as a contact"}`,
		`{"success":false,"type":"get_contacts","error":"something went wrong: get_contacts"}`,
		`{"success":false,"type":"get_conversations","error":"no such event type 'get_conversations'"}`,
	}
	require.Eventually(t, func() bool { return len(conn.Frames()) == len(want) }, time.Second, 5*time.Millisecond)
	for i, got := range conn.Frames() {
		assert.JSONEq(t, want[i], got)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Events.WithLabelValues(EventPing, "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Events.WithLabelValues(EventSelf, "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Events.WithLabelValues(EventAddContact, "rejected")))
}

func TestDispatchStorageFailureIsGeneric(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := NewDispatcher(nil, zap.New(core))
	d.Register(HandlerFunc{EventType: EventSelf, Fn: func(context.Context, *Request, Event) error {
		return errors.Wrap(errors.New("connection refused"), "select user")
	}})

	conn := &fakeConn{}
	req := &Request{Username: "alice", Session: startSession(t, "alice", conn, testOptions())}
	d.Dispatch(context.Background(), req, []byte(`{"type":"self"}`))

	require.Eventually(t, func() bool { return len(conn.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"success":false,"type":"self","error":"something went wrong: self"}`, conn.Frames()[0])

	entries := logs.FilterMessage("event failed").All()
	require.Len(t, entries, 1)
	logged := entries[0].ContextMap()["error"]
	assert.Contains(t, logged, "1004")
	assert.Contains(t, logged, "select user: connection refused")
}

func TestDispatchReplyToClosedSession(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(metrics, zap.New(core))
	d.Register(HandlerFunc{EventType: EventPing, Fn: func(ctx context.Context, req *Request, _ Event) error {
		return req.Reply(ctx, EventPing, "pong")
	}})

	sess := startSession(t, "alice", &fakeConn{}, testOptions())
	sess.Close(websocket.CloseNormalClosure, "")
	d.Dispatch(context.Background(), &Request{Username: "alice", Session: sess}, []byte(`{"type":"ping"}`))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Events.WithLabelValues(EventPing, "dropped")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Events.WithLabelValues(EventPing, "failed")))
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("reply dropped").Len())
}
