package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBotMessageWithActions(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	in := NewBotMessage("Hello", ts,
		Action{Label: "Report Symptoms", Value: "/report_symptoms"},
		Action{Label: "Book Appointment", Value: "/book_appointment"},
	)

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindMessage, out.Kind)
	require.Equal(t, SenderBot, out.Sender)
	require.Equal(t, "Hello", out.Text)
	require.True(t, ts.Equal(out.Timestamp))
	require.Len(t, out.Actions, 2)
	require.Equal(t, "Report Symptoms", out.Actions[0].Label)
	require.Equal(t, "/book_appointment", out.Actions[1].Value)
}

func TestEncodeOmitsFieldsOfOtherKinds(t *testing.T) {
	data, err := Encode(NewTyping(true, time.Time{}))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, map[string]any{"kind": "typing", "typing": true}, raw)

	data, err = Encode(NewSystem("Connected", time.Time{}))
	require.NoError(t, err)
	raw = nil
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, map[string]any{"kind": "system", "text": "Connected"}, raw)
}

func TestEncodeRejectsMessageWithoutSender(t *testing.T) {
	_, err := Encode(Envelope{Kind: KindMessage, Text: "hi"})
	require.Error(t, err)
}

func TestDecodeSystemEnvelope(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"system","text":"Connected","timestamp":"T1"}`))
	require.NoError(t, err)
	require.Equal(t, KindSystem, env.Kind)
	require.Equal(t, SenderSystem, env.Sender)
	require.Equal(t, "Connected", env.Text)
	require.True(t, env.Timestamp.IsZero())
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"not json":           `hello`,
		"missing kind":       `{"text":"hi"}`,
		"unknown kind":       `{"kind":"unknown_kind"}`,
		"message no sender":  `{"kind":"message","text":"hi"}`,
		"message bad sender": `{"kind":"message","sender":"robot","text":"hi"}`,
		"typing no flag":     `{"kind":"typing"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDecode))

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			require.NotEmpty(t, de.Reason)
		})
	}
}

func TestDecodeLegacyFieldNames(t *testing.T) {
	payload := `{
		"type": "message",
		"message": "How can I help?",
		"sender": "bot",
		"buttons": [{"title": "Get Advice", "payload": "/get_health_advice"}],
		"timestamp": "2026-03-01T10:30:00.123456"
	}`
	env, err := Decode([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, KindMessage, env.Kind)
	require.Equal(t, "How can I help?", env.Text)
	require.Equal(t, []Action{{Label: "Get Advice", Value: "/get_health_advice"}}, env.Actions)
	require.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 123456000, time.UTC), env.Timestamp)

	env, err = Decode([]byte(`{"type":"typing","isTyping":true}`))
	require.NoError(t, err)
	require.Equal(t, KindTyping, env.Kind)
	require.True(t, env.Typing)
}

func TestDecodeTypingIgnoresText(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"typing","typing":false,"text":"ignored"}`))
	require.NoError(t, err)
	require.False(t, env.Typing)
	require.Empty(t, env.Text)
}
