package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() NotificationInput {
	return NotificationInput{
		RecipientID: "U1",
		Title:       "Grade posted",
		Message:     "Your grade is ready",
		Type:        "academic",
	}
}

func TestNewNotificationEvent_Valid(t *testing.T) {
	in := validInput()
	in.Title = "  Grade posted  "
	in.Type = "ACADEMIC"
	in.RelatedEntity = "course:42"

	ev, err := NewNotificationEvent(in)
	require.NoError(t, err)
	assert.Equal(t, "U1", ev.RecipientID())
	assert.Equal(t, "Grade posted", ev.Title())
	assert.Equal(t, "Your grade is ready", ev.Message())
	assert.Equal(t, TypeAcademic, ev.Type())
	assert.Equal(t, "course:42", ev.RelatedEntity())
}

func TestNewNotificationEvent_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*NotificationInput)
		field  string
	}{
		{"missing recipient", func(in *NotificationInput) { in.RecipientID = "" }, "recipient_id"},
		{"malformed recipient", func(in *NotificationInput) { in.RecipientID = "user one" }, "recipient_id"},
		{"empty title", func(in *NotificationInput) { in.Title = "" }, "title"},
		{"blank title", func(in *NotificationInput) { in.Title = "   " }, "title"},
		{"blank message", func(in *NotificationInput) { in.Message = "\t\n" }, "message"},
		{"missing type", func(in *NotificationInput) { in.Type = "" }, "type"},
		{"unknown type", func(in *NotificationInput) { in.Type = "gossip" }, "type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)

			_, err := NewNotificationEvent(in)
			var invalid *InvalidEventError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.field, invalid.Field)
		})
	}
}

func TestNewNotificationEvent_CustomTypeAccepted(t *testing.T) {
	in := validInput()
	in.Type = "custom"
	_, err := NewNotificationEvent(in)
	assert.NoError(t, err)
}

func TestValidSubjectID(t *testing.T) {
	assert.True(t, ValidSubjectID("U1"))
	assert.True(t, ValidSubjectID("3f2c1a8e-9b7d-4c1e-8a2f-0d9e8c7b6a5f"))
	assert.True(t, ValidSubjectID("alice@school.edu"))
	assert.False(t, ValidSubjectID(""))
	assert.False(t, ValidSubjectID("-leading-dash"))
	assert.False(t, ValidSubjectID("has space"))
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, OutcomeZeroLiveConnection, OutcomeFor(0, 0))
	assert.Equal(t, OutcomeFailed, OutcomeFor(3, 0))
	assert.Equal(t, OutcomeDelivered, OutcomeFor(3, 1))
}

func TestErrorsUnwrap(t *testing.T) {
	pushErr := fmt.Errorf("dispatch: %w", &PushDeliveryError{ConnectionID: "c1", SubjectID: "U1", Err: ErrPushTimeout})
	assert.True(t, errors.Is(pushErr, ErrPushTimeout))

	authErr := &AuthenticationFailedError{Reason: "token expired", Err: errors.New("exp")}
	assert.Contains(t, authErr.Error(), "token expired")
	assert.NotNil(t, errors.Unwrap(authErr))
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}
