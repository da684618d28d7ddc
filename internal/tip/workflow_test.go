package tip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/model"
	"github.com/messaging/internal/payment"
	"github.com/messaging/internal/sequencer"
	"github.com/messaging/internal/storage/memory"
)

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Capture(ctx context.Context, in payment.CaptureRequest) (*payment.CaptureResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*payment.CaptureResult)
	return res, args.Error(1)
}

type pubRecorder struct {
	mu      sync.Mutex
	sent    []*model.Message
	updated int
}

func (p *pubRecorder) MessageSent(m *model.Message) {
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.mu.Unlock()
}

func (p *pubRecorder) TipRequestUpdated(req, tip *model.Message) {
	p.mu.Lock()
	p.updated++
	p.mu.Unlock()
}

type fixture struct {
	store    *memory.Store
	payments *mockPayments
	pub      *pubRecorder
	wf       *Workflow
}

// newFixture: alice asks bob for $10 (1000 minor units) in c1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	now := time.Now()
	require.NoError(t, st.CreateConversation(ctx, &model.Conversation{
		ID: "c1", CreatedAt: now,
		Participants: []model.Participant{
			{UserID: "alice", Role: model.RoleMember, JoinedAt: now},
			{UserID: "bob", Role: model.RoleMember, JoinedAt: now},
			{UserID: "carol", Role: model.RoleMember, JoinedAt: now},
		},
	}))
	alice := "alice"
	require.NoError(t, st.AppendMessage(ctx, &model.Message{
		ID: "req-1", ConversationID: "c1", AuthorID: &alice, Type: model.MessageTypeTipRequest, CreatedAt: now,
		Metadata: model.Metadata{TipRequest: &model.TipRequestState{
			Amount: 1000, Currency: "USD", RequesterID: "alice", ResponderID: "bob", Status: model.TipRequestPending,
		}},
	}))
	f := &fixture{store: st, payments: &mockPayments{}, pub: &pubRecorder{}}
	f.wf = New(st, authz.ParticipantPolicy{}, f.payments, sequencer.New(), f.pub, WithPaymentTimeout(time.Second))
	return f
}

func captureFor(key string) any {
	return mock.MatchedBy(func(in payment.CaptureRequest) bool {
		return in.IdempotencyKey == key && in.Amount == 1000 && in.PayerID == "bob" && in.PayeeID == "alice"
	})
}

func TestAcceptCapturesAndPostsTip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.On("Capture", mock.Anything, captureFor("req-1")).
		Return(&payment.CaptureResult{PaymentID: "pay-1"}, nil).Once()

	res, err := f.wf.Accept(ctx, "req-1", "bob")
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NotNil(t, res.Tip)

	state := res.Request.Metadata.TipRequest
	assert.Equal(t, model.TipRequestAccepted, state.Status)
	require.NotNil(t, state.RespondedAt)
	require.NotNil(t, state.TipMessageID)
	assert.Equal(t, res.Tip.ID, *state.TipMessageID)

	assert.Equal(t, model.MessageTypeTip, res.Tip.Type)
	assert.Greater(t, res.Tip.Sequence, res.Request.Sequence)
	assert.Equal(t, "pay-1", res.Tip.Metadata.Tip.PaymentID)
	assert.Equal(t, int64(1000), res.Tip.Metadata.Tip.Amount)

	// accept again and decline after accept are no-ops
	again, err := f.wf.Accept(ctx, "req-1", "bob")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	dec, err := f.wf.Decline(ctx, "req-1", "bob")
	require.NoError(t, err)
	assert.False(t, dec.Changed)
	assert.Equal(t, model.TipRequestAccepted, dec.Request.Metadata.TipRequest.Status)

	msgs, err := f.store.ListMessages(ctx, "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[1].Sequence)

	f.payments.AssertExpectations(t)
	assert.Len(t, f.pub.sent, 1)
	assert.Equal(t, 1, f.pub.updated)
}

func TestOnlyResponderMayAct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wf.Accept(ctx, "req-1", "alice")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.wf.Decline(ctx, "req-1", "carol")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.wf.Accept(ctx, "req-1", "mallory")
	assert.ErrorIs(t, err, model.ErrNotFound)

	f.payments.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestPaymentFailureKeepsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.On("Capture", mock.Anything, captureFor("req-1")).
		Return(nil, errors.New("upstream 503")).Once()

	_, err := f.wf.Accept(ctx, "req-1", "bob")
	require.Error(t, err)
	assert.True(t, model.IsPayment(err))

	req, err := f.store.GetMessage(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.TipRequestPending, req.Metadata.TipRequest.Status)
	assert.Nil(t, req.Metadata.TipRequest.RespondedAt)

	// retry succeeds with the same idempotency key
	f.payments.On("Capture", mock.Anything, captureFor("req-1")).
		Return(&payment.CaptureResult{PaymentID: "pay-2"}, nil).Once()
	res, err := f.wf.Accept(ctx, "req-1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	f.payments.AssertExpectations(t)
}

func TestDeclineRecordsResponseOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.wf.Decline(ctx, "req-1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Nil(t, res.Tip)
	assert.Equal(t, model.TipRequestDeclined, res.Request.Metadata.TipRequest.Status)
	require.NotNil(t, res.Request.Metadata.TipRequest.RespondedAt)

	again, err := f.wf.Decline(ctx, "req-1", "bob")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, model.TipRequestDeclined, again.Request.Metadata.TipRequest.Status)
	assert.True(t, res.Request.Metadata.TipRequest.RespondedAt.Equal(*again.Request.Metadata.TipRequest.RespondedAt))

	msgs, err := f.store.ListMessages(ctx, "c1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "decline posts no tip message")

	acc, err := f.wf.Accept(ctx, "req-1", "bob")
	require.NoError(t, err)
	assert.False(t, acc.Changed)
	f.payments.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestConcurrentAcceptsCaptureOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.On("Capture", mock.Anything, captureFor("req-1")).
		Return(&payment.CaptureResult{PaymentID: "pay-1"}, nil).Once()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.wf.Accept(ctx, "req-1", "bob")
			if !assert.NoError(t, err) {
				return
			}
			if res.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)
	f.payments.AssertExpectations(t)
	msgs, err := f.store.ListMessages(ctx, "c1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRejectsNonRequestMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := "bob"
	body := "hello"
	require.NoError(t, f.store.AppendMessage(ctx, &model.Message{
		ID: "m2", ConversationID: "c1", AuthorID: &bob, Type: model.MessageTypeText, Body: &body, CreatedAt: time.Now(),
	}))
	_, err := f.wf.Accept(ctx, "m2", "bob")
	assert.True(t, model.IsValidation(err))
}
