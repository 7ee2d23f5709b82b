package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/session"
)

func TestResolveURL(t *testing.T) {
	id := session.ID("session_1_abc")

	cases := []struct {
		name string
		cfg  AddressConfig
		want string
	}{
		{"default origin", AddressConfig{}, "ws://localhost:8000/ws/chat/session_1_abc"},
		{"insecure origin", AddressConfig{Origin: "http://chat.example.com/app/index.html"}, "ws://chat.example.com:8000/ws/chat/session_1_abc"},
		{"secure origin", AddressConfig{Origin: "https://chat.example.com"}, "wss://chat.example.com:8000/ws/chat/session_1_abc"},
		{"origin port ignored", AddressConfig{Origin: "https://chat.example.com:3000"}, "wss://chat.example.com:8000/ws/chat/session_1_abc"},
		{"custom default port", AddressConfig{Origin: "http://10.0.0.5", DefaultPort: 9000}, "ws://10.0.0.5:9000/ws/chat/session_1_abc"},
		{"base overrides origin", AddressConfig{BaseURL: "https://relay.example.com", Origin: "http://other"}, "wss://relay.example.com/ws/chat/session_1_abc"},
		{"base with path", AddressConfig{BaseURL: "http://relay:8080/api/"}, "ws://relay:8080/api/ws/chat/session_1_abc"},
		{"base ws scheme kept", AddressConfig{BaseURL: "wss://relay.example.com"}, "wss://relay.example.com/ws/chat/session_1_abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveURL(tc.cfg, id)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolveURLErrors(t *testing.T) {
	_, err := ResolveURL(AddressConfig{}, "")
	require.Error(t, err)

	_, err = ResolveURL(AddressConfig{BaseURL: "ftp://relay"}, "s1")
	require.ErrorContains(t, err, "unsupported scheme")

	_, err = ResolveURL(AddressConfig{BaseURL: "/relative"}, "s1")
	require.ErrorContains(t, err, "no host")
}
