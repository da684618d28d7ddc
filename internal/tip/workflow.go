// Package tip resolves tip requests: the responder accepts (payment captured, tip message
// posted) or declines, exactly once.
package tip

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/keylock"
	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/metrics"
	"github.com/messaging/internal/model"
	"github.com/messaging/internal/payment"
)

type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ResolveTipRequest(ctx context.Context, requestID string, status model.TipRequestStatus, at time.Time, tip *model.Message) (*model.Message, bool, error)
}

type Payments interface {
	Capture(ctx context.Context, in payment.CaptureRequest) (*payment.CaptureResult, error)
}

type Sequencer interface {
	Do(ctx context.Context, conversationID string, fn func(ctx context.Context) error) error
}

type Publisher interface {
	MessageSent(m *model.Message)
	TipRequestUpdated(req, tip *model.Message)
}

// MessageObserver sees every message this package appends (read-state fan-out).
type MessageObserver interface {
	OnMessageSent(ctx context.Context, m *model.Message)
}

// Result is the request after the call. Changed=false means it had already been resolved
// and nothing happened.
type Result struct {
	Request *model.Message `json:"request"`
	Tip     *model.Message `json:"tip,omitempty"`
	Changed bool           `json:"changed"`
}

type Workflow struct {
	store    Store
	auth     authz.Authorizer
	payments Payments
	seq      Sequencer
	pub      Publisher
	observer MessageObserver
	locks    *keylock.Mutex
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Workflow)

// WithPaymentTimeout bounds one capture call.
func WithPaymentTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithObserver(o MessageObserver) Option {
	return func(w *Workflow) { w.observer = o }
}

func New(store Store, auth authz.Authorizer, payments Payments, seq Sequencer, pub Publisher, opts ...Option) *Workflow {
	w := &Workflow{
		store:    store,
		auth:     auth,
		payments: payments,
		seq:      seq,
		pub:      pub,
		locks:    keylock.New(),
		timeout:  payment.DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Accept captures the requested amount from the responder and posts a tip message.
// On payment failure the request stays pending and a *model.PaymentError is returned.
func (w *Workflow) Accept(ctx context.Context, requestID, userID string) (*Result, error) {
	return w.respond(ctx, requestID, userID, model.TipRequestAccepted)
}

// Decline only records the response time.
func (w *Workflow) Decline(ctx context.Context, requestID, userID string) (*Result, error) {
	return w.respond(ctx, requestID, userID, model.TipRequestDeclined)
}

func (w *Workflow) respond(ctx context.Context, requestID, userID string, status model.TipRequestStatus) (*Result, error) {
	req, err := w.load(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	if req.Metadata.TipRequest.Status.Terminal() {
		return &Result{Request: req}, nil
	}

	// one responder action per request in this process; the store's conditional update
	// covers other instances
	unlock := w.locks.Lock(requestID)
	defer unlock()

	req, err = w.load(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	if req.Metadata.TipRequest.Status.Terminal() {
		return &Result{Request: req}, nil
	}

	var tipMsg *model.Message
	if status == model.TipRequestAccepted {
		tipMsg, err = w.capture(ctx, req)
		if err != nil {
			metrics.TipTransitions.WithLabelValues("payment_failed").Inc()
			return nil, err
		}
		// money has moved; record it even if the caller has gone away
		ctx = context.WithoutCancel(ctx)
	}

	var (
		resolved *model.Message
		changed  bool
	)
	write := func(ctx context.Context) error {
		var err error
		at := w.now().UTC()
		if tipMsg != nil {
			tipMsg.CreatedAt = at
		}
		resolved, changed, err = w.store.ResolveTipRequest(ctx, requestID, status, at, tipMsg)
		return err
	}
	if tipMsg != nil {
		err = w.seq.Do(ctx, req.ConversationID, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		// resolved elsewhere in between; the idempotency key kept the capture single
		return &Result{Request: resolved}, nil
	}

	metrics.TipTransitions.WithLabelValues(string(status)).Inc()
	logger.Infof("tip: request=%s %s by user=%s", requestID, status, userID)
	if tipMsg != nil {
		metrics.MessagesAppended.WithLabelValues(string(model.MessageTypeTip)).Inc()
		w.pub.MessageSent(tipMsg)
		if w.observer != nil {
			w.observer.OnMessageSent(ctx, tipMsg)
		}
	}
	w.pub.TipRequestUpdated(resolved, tipMsg)
	return &Result{Request: resolved, Tip: tipMsg, Changed: true}, nil
}

func (w *Workflow) capture(ctx context.Context, req *model.Message) (*model.Message, error) {
	state := req.Metadata.TipRequest
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	res, err := w.payments.Capture(cctx, payment.CaptureRequest{
		IdempotencyKey: req.ID,
		Amount:         state.Amount,
		Currency:       state.Currency,
		PayerID:        state.ResponderID,
		PayeeID:        state.RequesterID,
	})
	if err != nil {
		metrics.PaymentFailures.Inc()
		logger.Errorf("tip: capture request=%s: %v", req.ID, err)
		return nil, &model.PaymentError{Op: "capture", Err: err}
	}

	payer := state.ResponderID
	replyTo := req.ID
	return &model.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		AuthorID:       &payer,
		Type:           model.MessageTypeTip,
		ReplyToID:      &replyTo,
		Metadata: model.Metadata{Tip: &model.TipMeta{
			Amount:    state.Amount,
			Currency:  state.Currency,
			PayerID:   state.ResponderID,
			PayeeID:   state.RequesterID,
			RequestID: req.ID,
			PaymentID: res.PaymentID,
		}},
	}, nil
}

// load fetches the request and checks the caller may act on it.
func (w *Workflow) load(ctx context.Context, requestID, userID string) (*model.Message, error) {
	req, err := w.store.GetMessage(ctx, requestID)
	if err != nil {
		return nil, err
	}
	conv, err := w.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.View(w.auth, conv, userID); err != nil {
		return nil, err
	}
	if req.Type != model.MessageTypeTipRequest || req.Metadata.TipRequest == nil {
		return nil, model.NewValidationError("message_id", "not a tip request")
	}
	if req.IsDeleted() {
		return nil, model.NewValidationError("message_id", "tip request deleted")
	}
	if req.Metadata.TipRequest.ResponderID != userID {
		return nil, model.ErrForbidden
	}
	return req, nil
}
