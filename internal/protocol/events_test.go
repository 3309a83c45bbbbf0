package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientEvent_WebRTCOffer(t *testing.T) {
	data := []byte(`{"type":"webrtc-offer","to":"user-b","chatId":"chat-1","offer":{"sdp":"v=0","type":"offer"}}`)

	msgType, msg, err := ParseClientEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeWebRTCOffer {
		t.Errorf("unexpected type: %s", msgType)
	}

	offer, ok := msg.(WebRTCOfferMsg)
	if !ok {
		t.Fatalf("expected WebRTCOfferMsg, got %T", msg)
	}
	if offer.To != "user-b" || offer.ChatID != "chat-1" {
		t.Errorf("unexpected fields: to=%s chatId=%s", offer.To, offer.ChatID)
	}
	if len(offer.Offer) == 0 {
		t.Error("offer payload should be preserved verbatim")
	}
}

func TestParseClientEvent_NewMessageParticipants(t *testing.T) {
	data := []byte(`{"type":"new-message","chatId":"c1","message":{"text":"hi"},"participants":["a","b","c"]}`)

	msgType, msg, err := ParseClientEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeNewMessage {
		t.Errorf("unexpected type: %s", msgType)
	}

	m, ok := msg.(NewMessageMsg)
	if !ok {
		t.Fatalf("expected NewMessageMsg, got %T", msg)
	}
	if len(m.Participants) != 3 {
		t.Errorf("expected 3 participants, got %d", len(m.Participants))
	}
}

func TestParseClientEvent_MissingType(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{"chatId":"c1"}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientEvent_Malformed(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseClientEvent_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientEvent([]byte(`{"type":"bogus-event"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if msgType != "bogus-event" {
		t.Errorf("type should still be extracted, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("msg should be nil for unknown type, got %v", msg)
	}
}

func TestParseClientEvent_ServerOnlyType(t *testing.T) {
	// Server -> client types must not be accepted from clients.
	_, _, err := ParseClientEvent([]byte(`{"type":"user-online","userId":"x"}`))
	if err == nil {
		t.Fatal("server-only type should be rejected")
	}
}

func TestIsKnownClientType(t *testing.T) {
	known := []string{TypePing, TypeNewMessage, TypeWebRTCOffer, TypeCallEnded, TypeUpdateStatus}
	for _, typ := range known {
		if !IsKnownClientType(typ) {
			t.Errorf("%s should be a known client type", typ)
		}
	}
	for _, typ := range []string{TypeUserOnline, TypePong, "nonsense", ""} {
		if IsKnownClientType(typ) {
			t.Errorf("%s should not be a known client type", typ)
		}
	}
}

func TestNewServerEvent_InjectsType(t *testing.T) {
	data, err := NewServerEvent(TypeUserOnline, UserOnlineMsg{
		UserID:    "user-a",
		Timestamp: Timestamp(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUserOnline {
		t.Errorf("type field not injected, got %v", decoded["type"])
	}
	if decoded["userId"] != "user-a" {
		t.Errorf("payload field lost, got %v", decoded["userId"])
	}
}

func TestNewServerEvent_TypeOverridesPayload(t *testing.T) {
	// The discriminator always wins over whatever the struct carried.
	data, err := NewServerEvent(TypePong, ErrorMsg{Type: "error", Code: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"type":"pong"`) {
		t.Errorf("expected injected type pong, got %s", data)
	}
}

func TestTimestamp_RFC3339(t *testing.T) {
	ts := Timestamp()
	if !strings.HasSuffix(ts, "Z") {
		t.Errorf("timestamp should be UTC RFC3339, got %s", ts)
	}
}
