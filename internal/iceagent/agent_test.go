package iceagent

import (
	"sync"
	"testing"
	"time"
)

// localConfig returns a Config with no external STUN/TURN servers; two
// agents on the same host can still connect using host candidates alone.
func localConfig(localID, remoteID int) Config {
	return Config{LocalPlayerID: localID, RemotePlayerID: remoteID}
}

func waitConnected(t *testing.T, a *Agent, who string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		if a.IsConnected() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("%s: timed out waiting for Connected, state=%s", who, a.State())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestAgent_GatherAndConnect(t *testing.T) {
	t.Parallel()

	a, err := New(localConfig(1, 2), true)
	if err != nil {
		t.Fatalf("New(a) error: %v", err)
	}
	defer a.Close()

	b, err := New(localConfig(2, 1), false)
	if err != nil {
		t.Fatalf("New(b) error: %v", err)
	}
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var sdpA, sdpB string
	a.OnLocalSdp(func(s string) { sdpA = s; wg.Done() })
	b.OnLocalSdp(func(s string) { sdpB = s; wg.Done() })

	if err := a.Gather(); err != nil {
		t.Fatalf("a.Gather() error: %v", err)
	}
	if err := b.Gather(); err != nil {
		t.Fatalf("b.Gather() error: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for local gathering to complete")
	}

	if sdpA == "" || sdpB == "" {
		t.Fatal("expected non-empty local sdp blobs")
	}

	if err := b.SetRemoteSdp(sdpA); err != nil {
		t.Fatalf("b.SetRemoteSdp() error: %v", err)
	}
	if err := a.SetRemoteSdp(sdpB); err != nil {
		t.Fatalf("a.SetRemoteSdp() error: %v", err)
	}

	waitConnected(t, a, "a")
	waitConnected(t, b, "b")

	recvCh := make(chan []byte, 1)
	b.OnReceive(func(data []byte) { recvCh <- data })

	payload := []byte("hello peer")
	if err := a.Send(payload); err != nil {
		t.Fatalf("a.Send() error: %v", err)
	}

	select {
	case got := <-recvCh:
		if string(got) != string(payload) {
			t.Errorf("received %q, want %q", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data on b")
	}
}

func TestAgent_SendBeforeConnectedFails(t *testing.T) {
	t.Parallel()

	a, err := New(localConfig(1, 2), true)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	if err := a.Send([]byte("too early")); err == nil {
		t.Fatal("Send() before connected: error = nil, want error")
	}
}

func TestAgent_GatherTwiceErrors(t *testing.T) {
	t.Parallel()

	a, err := New(localConfig(1, 2), true)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	if err := a.Gather(); err != nil {
		t.Fatalf("first Gather() error: %v", err)
	}
	if err := a.Gather(); err == nil {
		t.Fatal("second Gather() error = nil, want error")
	}
}

func TestAgent_SetRemoteSdpInvalidBlob(t *testing.T) {
	t.Parallel()

	a, err := New(localConfig(1, 2), true)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	if err := a.SetRemoteSdp("not-valid-base64-json"); err == nil {
		t.Fatal("SetRemoteSdp() with garbage: error = nil, want error")
	}
}
