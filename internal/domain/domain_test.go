package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUserID(t *testing.T) {
	id, err := NewUserID("agent@example.com")
	assert.NoError(t, err)
	assert.Equal(t, UserID("agent@example.com"), id)

	_, err = NewUserID("")
	assert.ErrorIs(t, err, ErrUserIDEmpty)
	_, err = NewUserID(strings.Repeat("a", MaxUserIDLen+1))
	assert.ErrorIs(t, err, ErrUserIDTooLong)
}

func TestNewCallID(t *testing.T) {
	_, err := NewCallID("call42")
	assert.NoError(t, err)
	_, err = NewCallID("")
	assert.ErrorIs(t, err, ErrCallIDEmpty)
	_, err = NewCallID(strings.Repeat("c", MaxCallIDLen+1))
	assert.ErrorIs(t, err, ErrCallIDTooLong)
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "transport", KindTransport.String())
	assert.Equal(t, "producer", KindProducer.String())
	assert.Equal(t, "consumer", KindConsumer.String())
	assert.Equal(t, "in-call", StateInCall.String())
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
}
