package signal

import (
	"testing"

	"github.com/gorilla/websocket"

	"github.com/onlylang/mediaserver/internal/media/registry"
)

func TestSendOverflowClosesSession(t *testing.T) {
	s := newSession(nil, nil, registry.PeerInfo{ID: "peer_x"}, nil)

	for i := 0; i < outboxSize; i++ {
		s.send(outFrame{Type: msgNewProducer})
	}
	select {
	case <-s.done:
		t.Fatal("session closed before the outbox filled")
	default:
	}

	s.send(outFrame{Type: msgNewProducer})
	select {
	case <-s.done:
	default:
		t.Fatal("overflowing the outbox did not close the session")
	}
	if s.closeCode != websocket.CloseInternalServerErr {
		t.Errorf("close code = %d, want %d", s.closeCode, websocket.CloseInternalServerErr)
	}
}

func TestSendAfterCloseDropsFrame(t *testing.T) {
	s := newSession(nil, nil, registry.PeerInfo{ID: "peer_x"}, nil)
	s.close(websocket.CloseNormalClosure, "")

	// Must neither block nor panic once the session is closing.
	for i := 0; i < outboxSize*2; i++ {
		s.send(outFrame{Type: msgNewProducer})
	}
	if s.closeCode != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", s.closeCode, websocket.CloseNormalClosure)
	}
}
