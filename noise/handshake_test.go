package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/flynn/noise"
)

func testKey(t *testing.T) noise.DHKey {
	t.Helper()
	k, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// runHandshake drives both sides to completion in memory.
func runHandshake(t *testing.T, init, resp *XXHandshake) {
	t.Helper()

	msg1, err := init.WriteMessage(nil)
	if err != nil {
		t.Fatalf("initiator msg1: %v", err)
	}
	if _, err := resp.ReadMessage(msg1); err != nil {
		t.Fatalf("responder read msg1: %v", err)
	}
	msg2, err := resp.WriteMessage([]byte("resp-payload"))
	if err != nil {
		t.Fatalf("responder msg2: %v", err)
	}
	p2, err := init.ReadMessage(msg2)
	if err != nil {
		t.Fatalf("initiator read msg2: %v", err)
	}
	if string(p2) != "resp-payload" {
		t.Errorf("payload 2 = %q", p2)
	}
	msg3, err := init.WriteMessage([]byte("init-payload"))
	if err != nil {
		t.Fatalf("initiator msg3: %v", err)
	}
	p3, err := resp.ReadMessage(msg3)
	if err != nil {
		t.Fatalf("responder read msg3: %v", err)
	}
	if string(p3) != "init-payload" {
		t.Errorf("payload 3 = %q", p3)
	}
}

func TestNewXXHandshakeValidation(t *testing.T) {
	_, err := NewXXHandshake(noise.DHKey{Private: make([]byte, 16), Public: make([]byte, 32)}, Initiator)
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}

	hs, err := NewXXHandshake(testKey(t), Responder)
	if err != nil {
		t.Fatalf("Failed to create responder: %v", err)
	}
	if hs.Role() != Responder {
		t.Error("Expected responder role")
	}
	if hs.IsComplete() {
		t.Error("Handshake should not be complete initially")
	}
	if _, _, err := hs.CipherStates(); !errors.Is(err, ErrHandshakeNotComplete) {
		t.Errorf("expected ErrHandshakeNotComplete, got %v", err)
	}
}

func TestXXHandshakeFlow(t *testing.T) {
	initKey, respKey := testKey(t), testKey(t)

	init, err := NewXXHandshake(initKey, Initiator)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := NewXXHandshake(respKey, Responder)
	if err != nil {
		t.Fatal(err)
	}

	runHandshake(t, init, resp)

	if !init.IsComplete() || !resp.IsComplete() {
		t.Fatal("both sides should be complete")
	}

	remote, err := init.RemoteStaticKey()
	if err != nil || string(remote) != string(respKey.Public) {
		t.Errorf("initiator saw wrong remote key: %v", err)
	}
	remote, err = resp.RemoteStaticKey()
	if err != nil || string(remote) != string(initKey.Public) {
		t.Errorf("responder saw wrong remote key: %v", err)
	}

	if _, err := init.WriteMessage(nil); !errors.Is(err, ErrHandshakeComplete) {
		t.Errorf("expected ErrHandshakeComplete, got %v", err)
	}
}

func TestChannelBindingMatches(t *testing.T) {
	init, _ := NewXXHandshake(testKey(t), Initiator)
	resp, _ := NewXXHandshake(testKey(t), Responder)

	if _, err := init.ChannelBinding(); !errors.Is(err, ErrHandshakeNotComplete) {
		t.Errorf("expected ErrHandshakeNotComplete, got %v", err)
	}

	runHandshake(t, init, resp)

	a, err := init.ChannelBinding()
	if err != nil {
		t.Fatal(err)
	}
	b, err := resp.ChannelBinding()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) == 0 || !bytes.Equal(a, b) {
		t.Fatalf("channel bindings differ: %x vs %x", a, b)
	}

	// A separate handshake yields a different binding.
	init2, _ := NewXXHandshake(testKey(t), Initiator)
	resp2, _ := NewXXHandshake(testKey(t), Responder)
	runHandshake(t, init2, resp2)
	c, _ := init2.ChannelBinding()
	if bytes.Equal(a, c) {
		t.Error("independent handshakes share a channel binding")
	}
}

// TestCipherStateDirections checks each side decrypts what the other encrypts.
func TestCipherStateDirections(t *testing.T) {
	init, _ := NewXXHandshake(testKey(t), Initiator)
	resp, _ := NewXXHandshake(testKey(t), Responder)
	runHandshake(t, init, resp)

	iSend, iRecv, _ := init.CipherStates()
	rSend, rRecv, _ := resp.CipherStates()

	for i, msg := range []string{"first", "second", "third"} {
		ct, err := iSend.Encrypt(nil, nil, []byte(msg))
		if err != nil {
			t.Fatal(err)
		}
		pt, err := rRecv.Decrypt(nil, nil, ct)
		if err != nil || string(pt) != msg {
			t.Fatalf("initiator->responder message %d: %q, %v", i, pt, err)
		}

		ct, err = rSend.Encrypt(nil, nil, []byte(msg))
		if err != nil {
			t.Fatal(err)
		}
		pt, err = iRecv.Decrypt(nil, nil, ct)
		if err != nil || string(pt) != msg {
			t.Fatalf("responder->initiator message %d: %q, %v", i, pt, err)
		}
	}
}

func TestTamperedMessageRejected(t *testing.T) {
	init, _ := NewXXHandshake(testKey(t), Initiator)
	resp, _ := NewXXHandshake(testKey(t), Responder)

	msg1, _ := init.WriteMessage(nil)
	if _, err := resp.ReadMessage(msg1); err != nil {
		t.Fatal(err)
	}
	msg2, _ := resp.WriteMessage(nil)
	msg2[len(msg2)-1] ^= 0xff

	if _, err := init.ReadMessage(msg2); err == nil {
		t.Error("tampered handshake message should fail")
	}
}
