package ws

import "testing"

func TestChannelFromPath(t *testing.T) {
	tests := []struct {
		path    string
		channel string
		ok      bool
	}{
		{"/", ChannelNotifications, true},
		{"", ChannelNotifications, true},
		{"/notifications", ChannelNotifications, true},
		{"/notifications/", ChannelNotifications, true},
		{"/signaling", ChannelSignaling, true},
		{"/signaling/", ChannelSignaling, true},
		{"/posts", ChannelPosts, true},
		{"/posts/", ChannelPosts, true},
		{"/ws", "", false},
		{"/Notifications", "", false},
		{"/signaling/extra", "", false},
	}

	for _, tt := range tests {
		channel, ok := channelFromPath(tt.path)
		if channel != tt.channel || ok != tt.ok {
			t.Errorf("channelFromPath(%q) = (%q, %v), want (%q, %v)",
				tt.path, channel, ok, tt.channel, tt.ok)
		}
	}
}
