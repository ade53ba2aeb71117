package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/daemonlink/crypto"
)

var replayEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, msgType MessageType, session string) (*ReplayValidator, *crypto.FixedTimeProvider) {
	t.Helper()
	tp := crypto.NewFixedTimeProvider(replayEpoch)
	v, err := NewReplayValidator(msgType, session, ValidatorOptions{TimeProvider: tp})
	require.NoError(t, err)
	return v, tp
}

func answerAt(t *testing.T, session string, at time.Time) *Message {
	t.Helper()
	req, err := NewRequest(TypeOffer, session, "phone-1", "", []byte("offer"), at)
	require.NoError(t, err)
	resp, err := NewResponse(TypeAnswer, req, []byte("answer"), at)
	require.NoError(t, err)
	return resp
}

func TestReplayValidatorAcceptsFreshResponse(t *testing.T) {
	v, _ := newTestValidator(t, TypeAnswer, "sess-1")
	res := v.Validate(answerAt(t, "sess-1", replayEpoch.Add(-5*time.Second)))
	assert.True(t, res.Valid, res.Reason)
}

func TestReplayValidatorRejects(t *testing.T) {
	cases := []struct {
		name   string
		msg    func(t *testing.T) *Message
		reason string
	}{
		{
			name:   "nil",
			msg:    func(t *testing.T) *Message { return nil },
			reason: "nil",
		},
		{
			name: "wrong type",
			msg: func(t *testing.T) *Message {
				m := answerAt(t, "sess-1", replayEpoch)
				m.Type = TypeCapabilities
				return m
			},
			reason: "type",
		},
		{
			name:   "wrong session",
			msg:    func(t *testing.T) *Message { return answerAt(t, "sess-2", replayEpoch) },
			reason: "session",
		},
		{
			name:   "older than window",
			msg:    func(t *testing.T) *Message { return answerAt(t, "sess-1", replayEpoch.Add(-61*time.Second)) },
			reason: "too old",
		},
		{
			name:   "beyond clock skew",
			msg:    func(t *testing.T) *Message { return answerAt(t, "sess-1", replayEpoch.Add(31*time.Second)) },
			reason: "future",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _ := newTestValidator(t, TypeAnswer, "sess-1")
			res := v.Validate(tc.msg(t))
			assert.False(t, res.Valid)
			assert.Contains(t, res.Reason, tc.reason)
		})
	}
}

func TestReplayValidatorToleratesSkewWithinBounds(t *testing.T) {
	v, _ := newTestValidator(t, TypeAnswer, "sess-1")
	res := v.Validate(answerAt(t, "sess-1", replayEpoch.Add(29*time.Second)))
	assert.True(t, res.Valid, res.Reason)
}

func TestReplayValidatorRejectsReplayedNonce(t *testing.T) {
	v, _ := newTestValidator(t, TypeAnswer, "sess-1")
	m := answerAt(t, "sess-1", replayEpoch)

	require.True(t, v.Validate(m).Valid)
	res := v.Validate(m)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "replayed")
}

func TestReplayValidatorRejectedMessageDoesNotPoisonCache(t *testing.T) {
	v, tp := newTestValidator(t, TypeAnswer, "sess-1")
	m := answerAt(t, "sess-1", replayEpoch.Add(45*time.Second))

	assert.False(t, v.Validate(m).Valid, "future message must be rejected")

	tp.Advance(30 * time.Second)
	assert.True(t, v.Validate(m).Valid, "nonce must not have been recorded by the rejected attempt")
}

func TestReplayValidatorReconnectionSession(t *testing.T) {
	v, _ := newTestValidator(t, TypeCapabilities, "")
	req, err := NewRequest(TypeCapabilities, "", "phone-1", "", nil, replayEpoch)
	require.NoError(t, err)
	resp, err := NewResponse(TypeCapabilities, req, nil, replayEpoch)
	require.NoError(t, err)

	assert.True(t, v.Validate(resp).Valid)
}
