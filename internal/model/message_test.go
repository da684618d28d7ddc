package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataValidate(t *testing.T) {
	tests := []struct {
		name string
		typ  MessageType
		meta Metadata
		ok   bool
	}{
		{"text", MessageTypeText, Metadata{}, true},
		{"text with tip", MessageTypeText, Metadata{Tip: &TipMeta{Amount: 1, Currency: "USD"}}, false},
		{"tip", MessageTypeTip, Metadata{Tip: &TipMeta{Amount: 1000, Currency: "USD"}}, true},
		{"tip zero amount", MessageTypeTip, Metadata{Tip: &TipMeta{Currency: "USD"}}, false},
		{"tip request", MessageTypeTipRequest, Metadata{TipRequest: &TipRequestState{
			Amount: 1000, Currency: "USD", RequesterID: "a", ResponderID: "b",
		}}, true},
		{"tip request to self", MessageTypeTipRequest, Metadata{TipRequest: &TipRequestState{
			Amount: 1000, Currency: "USD", RequesterID: "a", ResponderID: "a",
		}}, false},
		{"two variants", MessageTypeTip, Metadata{
			Tip:    &TipMeta{Amount: 1, Currency: "USD"},
			System: &SystemMeta{Event: "joined"},
		}, false},
		{"system", MessageTypeSystem, Metadata{System: &SystemMeta{Event: "joined"}}, true},
		{"system no event", MessageTypeSystem, Metadata{System: &SystemMeta{}}, false},
		{"unknown type", MessageType("sticker"), Metadata{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.meta.Validate(tt.typ)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestRedactKeepsMetadata(t *testing.T) {
	body := "secret"
	now := time.Now()
	m := &Message{
		Body:        &body,
		Attachments: []Attachment{{ID: "f1"}},
		Metadata:    Metadata{TipRequest: &TipRequestState{Status: TipRequestPending}},
	}
	m.Redact()
	assert.NotNil(t, m.Body, "live messages are left alone")

	m.DeletedAt = &now
	m.Redact()
	assert.Nil(t, m.Body)
	assert.Nil(t, m.Attachments)
	assert.NotNil(t, m.Metadata.TipRequest)
	assert.True(t, m.IsDeleted())
}

func TestErrorHelpers(t *testing.T) {
	err := fmt.Errorf("send: %w", NewValidationError("body", "empty"))
	assert.True(t, IsValidation(err))
	assert.EqualError(t, err, "send: validation: body: empty")

	perr := fmt.Errorf("accept: %w", &PaymentError{Op: "capture", Err: ErrTransport})
	require.True(t, IsPayment(perr))
	assert.True(t, errors.Is(perr, ErrTransport))
	assert.False(t, IsPayment(ErrNotFound))
	assert.True(t, TipRequestDeclined.Terminal())
	assert.False(t, TipRequestPending.Terminal())
}
