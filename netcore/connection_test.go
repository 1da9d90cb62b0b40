package netcore

import (
	"net"
	"testing"
	"time"

	"github.com/bchhub/hub/wire"
)

func pipeConnection(t *testing.T, outbound bool) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := NewConnection(1, server, outbound, "")
	t.Cleanup(c.Close)
	return c, client
}

func TestConnectionStateTransitions(t *testing.T) {
	c, _ := pipeConnection(t, true)
	if c.State() != StateConnecting {
		t.Fatalf("initial state: got %s, want connecting", c.State())
	}

	var transitions []State
	c.SetOnStateChangeHandler(func(_ *Connection, old, current State) {
		transitions = append(transitions, current)
	})
	c.setState(StateConnected)
	c.Close()

	if len(transitions) != 2 {
		t.Fatalf("got %d transitions, want 2 (connected, disconnected)", len(transitions))
	}
	if transitions[0] != StateConnected || transitions[1] != StateDisconnected {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestConnectionReconnectBackoff(t *testing.T) {
	cases := []struct {
		step int
		want time.Duration
	}{
		{1, 0},
		{2, 4 * time.Second},
		{3, 13 * time.Second},
		{4, 32 * time.Second},
		{5, 44 * time.Second},
		{100, 44 * time.Second},
	}
	for _, tc := range cases {
		got := reconnectDelayForStep(tc.step)
		if got != tc.want {
			t.Errorf("reconnectDelayForStep(%d): got %s, want %s", tc.step, got, tc.want)
		}
	}
}

func TestConnectionNextReconnectDelayAdvances(t *testing.T) {
	c, _ := pipeConnection(t, true)
	first := c.NextReconnectDelay()
	second := c.NextReconnectDelay()
	if first != reconnectDelayForStep(1) {
		t.Fatalf("first delay: got %s, want %s", first, reconnectDelayForStep(1))
	}
	if second != reconnectDelayForStep(2) {
		t.Fatalf("second delay: got %s, want %s", second, reconnectDelayForStep(2))
	}
	c.ResetReconnectBackoff()
	if third := c.NextReconnectDelay(); third != reconnectDelayForStep(1) {
		t.Fatalf("after reset: got %s, want %s", third, reconnectDelayForStep(1))
	}
}

func TestConnectionReceiveThrottleThresholds(t *testing.T) {
	c, _ := pipeConnection(t, false)
	fill := func(n int) {
		for i := 0; i < n; i++ {
			_ = c.mainQueue.Enqueue(&wire.Message{})
		}
	}

	if d := c.ReceiveThrottleDelay(); d != 0 {
		t.Fatalf("empty queue: got delay %s, want 0", d)
	}

	fill(mainQueueCapacity/2 + 1) // past L1 (50%)
	if d := c.ReceiveThrottleDelay(); d != l1Delay {
		t.Fatalf("past L1: got %s, want %s", d, l1Delay)
	}

	fill(mainQueueCapacity/4 + 1) // now past L2 (75%) cumulatively
	if d := c.ReceiveThrottleDelay(); d != l2Delay {
		t.Fatalf("past L2: got %s, want %s", d, l2Delay)
	}
}

func TestConnectionShouldKickSendLoop(t *testing.T) {
	c, _ := pipeConnection(t, false)
	if c.ShouldKickSendLoop() {
		t.Fatal("empty queue should not trigger a kick")
	}
	for i := 0; i < mainQueueCapacity*3/8+10; i++ {
		_ = c.mainQueue.Enqueue(&wire.Message{})
	}
	if !c.ShouldKickSendLoop() {
		t.Fatal("queue past 3/8 capacity should trigger a kick")
	}
}

func TestConnectionIdleWatchdog(t *testing.T) {
	c, _ := pipeConnection(t, false)
	if c.IsIdle() {
		t.Fatal("freshly created connection should not be idle")
	}
	c.lastPingReceived.Store(time.Now().Add(-inboundIdleTimeout - time.Second))
	if !c.IsIdle() {
		t.Fatal("connection idle past the inbound timeout should report idle")
	}
	c.NoteMessageReceived()
	if c.IsIdle() {
		t.Fatal("NoteMessageReceived should reset the idle watchdog")
	}
}

func TestValidateFirstFrameRejectsGarbage(t *testing.T) {
	if err := validateFirstFrame([]byte{0xff, 0xff, 0x00}); err == nil {
		t.Fatal("expected an error for an implausible length prefix")
	}
	msg := &wire.Message{ServiceId: 1, MessageId: 2}
	frames, err := msg.EncodeFrames()
	if err != nil {
		t.Fatalf("EncodeFrames: %s", err)
	}
	if err := validateFirstFrame(frames[0]); err != nil {
		t.Fatalf("expected a real frame to validate, got %s", err)
	}
}
