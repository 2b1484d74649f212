package chat

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatcore/tools/errs"
)

// Handler serves one event type. A returned *errs.CodeError is shown to the
// requester as is; any other error is logged and reported generically.
type Handler interface {
	Type() string
	Handle(ctx context.Context, req *Request, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	EventType string
	Fn        func(ctx context.Context, req *Request, ev Event) error
}

func (h HandlerFunc) Type() string { return h.EventType }

func (h HandlerFunc) Handle(ctx context.Context, req *Request, ev Event) error {
	return h.Fn(ctx, req, ev)
}

// Request is the requesting side of one event.
type Request struct {
	Username string
	Session  *Session
}

// Reply sends a success frame to the requester only.
func (r *Request) Reply(ctx context.Context, typ string, data any) error {
	frame, err := EncodeData(typ, data)
	if err != nil {
		return err
	}
	return r.send(ctx, frame)
}

func (r *Request) fail(ctx context.Context, typ, msg string) error {
	return r.send(ctx, EncodeError(typ, msg))
}

func (r *Request) send(ctx context.Context, frame []byte) error {
	err := r.Session.Enqueue(ctx, frame)
	if errors.Is(err, ErrSlowConsumer) {
		r.Session.Close(websocket.ClosePolicyViolation, "slow consumer")
	}
	return err
}

type Dispatcher struct {
	handlers map[string]Handler
	metrics  *Metrics
	log      *zap.Logger
}

func NewDispatcher(metrics *Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), metrics: metrics, log: log}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) GetHandler(typ string) Handler {
	return d.handlers[typ]
}

// Dispatch parses one frame, runs its handler and reports failures to the
// requester. It never returns an error: a bad event does not end the
// connection.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, frame []byte) {
	typ, ev, err := ParseEvent(frame)
	if err != nil {
		d.reject(ctx, req, typ, err)
		return
	}
	h := d.GetHandler(typ)
	if h == nil {
		d.reject(ctx, req, typ, errs.Protocol("no such event type '%s'", typ))
		return
	}

	err = d.run(ctx, h, req, ev)
	switch {
	case err == nil:
		d.count(typ, "ok")
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSlowConsumer):
		d.count(typ, "dropped")
		d.log.Debug("reply dropped", zap.String("user", req.Username), zap.String("type", typ), zap.Error(err))
	default:
		d.reject(ctx, req, typ, err)
	}
}

func (d *Dispatcher) run(ctx context.Context, h Handler, req *Request, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return h.Handle(ctx, req, ev)
}

// reject replies with the failure. Errors without a code come from the
// storage side and are shown generically.
func (d *Dispatcher) reject(ctx context.Context, req *Request, typ string, err error) {
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.Storage("something went wrong: %s", typ).WithDetail(err.Error())
	}
	msg := ce.Msg
	if errs.HasCode(ce, errs.StorageError) || errs.HasCode(ce, errs.ServerInternalError) {
		msg = "something went wrong: " + typ
		d.count(typ, "failed")
		d.log.Error("event failed", zap.String("user", req.Username), zap.String("type", typ), zap.Error(ce))
	} else {
		d.count(typ, "rejected")
	}
	if sendErr := req.fail(ctx, typ, msg); sendErr != nil {
		d.log.Debug("reply dropped", zap.String("user", req.Username), zap.Error(sendErr))
	}
}

func (d *Dispatcher) count(typ, outcome string) {
	if d.metrics == nil {
		return
	}
	if _, known := d.handlers[typ]; !known {
		typ = "unknown"
	}
	d.metrics.Events.WithLabelValues(typ, outcome).Inc()
}
