package ipc

import "testing"

func TestReplyRouterRoundTrip(t *testing.T) {
	r, _ := newTestRing(t, 4)
	rr := NewReplyRouter()

	id, err := rr.SendRequest(r, nil, nil, Header{Type: 1}, []byte("ping"), false)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	msg, err := r.Recv(nil, nil, false)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Header.ReplyID != uint32(id) {
		t.Fatalf("expected ReplyID %d on the wire, got %d", id, msg.Header.ReplyID)
	}

	reply := Message{Header: Header{ReplyID: msg.Header.ReplyID}, Payload: []byte("pong")}
	if !rr.Route(reply) {
		t.Fatalf("expected Route to find the pending request")
	}

	got := rr.RecvReply(id)
	if string(got.Payload) != "pong" {
		t.Fatalf("expected 'pong', got %q", got.Payload)
	}
}

func TestRouteIgnoresNonRequestMessages(t *testing.T) {
	rr := NewReplyRouter()
	if rr.Route(Message{Header: Header{ReplyID: 0}}) {
		t.Fatalf("expected Route to reject a message with ReplyID 0")
	}
}
