package rtc

import "testing"

func TestWebSocketEndpoint(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ws://rooms.example/rtc", want: "ws://rooms.example/rtc"},
		{in: "wss://rooms.example/rtc", want: "wss://rooms.example/rtc"},
		{in: "http://rooms.example/rtc", want: "ws://rooms.example/rtc"},
		{in: "https://rooms.example/rtc", want: "wss://rooms.example/rtc"},
		{in: "  https://rooms.example  ", want: "wss://rooms.example"},
		{in: "", wantErr: true},
		{in: "ftp://rooms.example", wantErr: true},
		{in: "rooms.example", wantErr: true},
	}
	for _, tc := range cases {
		got, err := WebSocketEndpoint(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("WebSocketEndpoint(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("WebSocketEndpoint(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("WebSocketEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseParticipantKind(t *testing.T) {
	cases := []struct {
		in   string
		want ParticipantKind
	}{
		{"agent", KindAgent},
		{"AGENT", KindAgent},
		{" Agent ", KindAgent},
		{"peer", KindPeer},
		{"", KindPeer},
		{"moderator", KindPeer},
	}
	for _, tc := range cases {
		if got := ParseParticipantKind(tc.in); got != tc.want {
			t.Errorf("ParseParticipantKind(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
