package wol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWOLClient struct {
	wakeFunc func(broadcastIP string, mac net.HardwareAddr) error
}

func (m *mockWOLClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	if m.wakeFunc != nil {
		return m.wakeFunc(broadcastIP, mac)
	}
	return nil
}

type mockDialer struct {
	mu       sync.Mutex
	calls    int
	addrs    []string
	dialFunc func(calls int) error
}

func (m *mockDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	m.mu.Lock()
	m.calls++
	m.addrs = append(m.addrs, address)
	calls := m.calls
	m.mu.Unlock()

	if m.dialFunc != nil {
		if err := m.dialFunc(calls); err != nil {
			return nil, err
		}
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func (m *mockDialer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func refuse(int) error { return errors.New("connection refused") }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.WOLConfig {
	return models.WOLConfig{
		MACAddress:    "AA:BB:CC:DD:EE:FF",
		BroadcastIP:   "192.168.1.255",
		TargetAddress: "192.168.1.100:22",
		Timeout:       10 * time.Second,
		PollInterval:  10 * time.Millisecond,
	}
}

func TestWake_Success_NoTargetAddress(t *testing.T) {
	var capturedMAC net.HardwareAddr
	var capturedBroadcastIP string

	wolClient := &mockWOLClient{
		wakeFunc: func(broadcastIP string, mac net.HardwareAddr) error {
			capturedMAC = mac
			capturedBroadcastIP = broadcastIP
			return nil
		},
	}
	dialer := &mockDialer{}

	svc := NewWithClients(testLogger(), wolClient, dialer, nil)

	cfg := testConfig()
	cfg.TargetAddress = ""

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
	assert.Zero(t, dialer.callCount())

	expectedMAC, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, expectedMAC, capturedMAC)
	assert.Equal(t, "192.168.1.255", capturedBroadcastIP)
}

func TestWake_InvalidMAC(t *testing.T) {
	svc := NewWithClients(testLogger(), &mockWOLClient{}, &mockDialer{}, nil)

	cfg := testConfig()
	cfg.MACAddress = "invalid-mac"

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, result.PacketSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "invalid MAC address")
}

func TestWake_SendFailed(t *testing.T) {
	wolClient := &mockWOLClient{
		wakeFunc: func(string, net.HardwareAddr) error {
			return errors.New("network error")
		},
	}

	svc := NewWithClients(testLogger(), wolClient, &mockDialer{}, nil)

	result, err := svc.Wake(context.Background(), testConfig())

	require.NoError(t, err)
	assert.False(t, result.PacketSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "network error")
}

func TestWake_TargetImmediatelyReachable(t *testing.T) {
	dialer := &mockDialer{}
	svc := NewWithClients(testLogger(), &mockWOLClient{}, dialer, nil)

	result, err := svc.Wake(context.Background(), testConfig())

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
	assert.Equal(t, []string{"192.168.1.100:22"}, dialer.addrs)
}

func TestWake_TargetDelayedSuccess(t *testing.T) {
	dialer := &mockDialer{
		dialFunc: func(calls int) error {
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	svc := NewWithClients(testLogger(), &mockWOLClient{}, dialer, nil)

	result, err := svc.Wake(context.Background(), testConfig())

	require.NoError(t, err)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
	assert.Equal(t, 3, dialer.callCount())
}

func TestWake_TargetTimeout(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	dialer := &mockDialer{dialFunc: refuse}
	svc := NewWithClients(testLogger(), &mockWOLClient{}, dialer, clk)

	cfg := testConfig()
	cfg.Timeout = 10 * time.Second
	cfg.PollInterval = 5 * time.Second

	done := make(chan *models.WOLResult, 1)
	go func() {
		result, _ := svc.Wake(context.Background(), cfg)
		done <- result
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	}

	select {
	case result := <-done:
		assert.True(t, result.PacketSent)
		assert.False(t, result.TargetReady)
		require.Error(t, result.Error)
		assert.Contains(t, result.Error.Error(), "timeout")
		assert.Equal(t, 15*time.Second, result.WaitDuration)
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not time out")
	}
	assert.Equal(t, 3, dialer.callCount())
}

func TestWake_ContextCancelled(t *testing.T) {
	svc := NewWithClients(testLogger(), &mockWOLClient{}, &mockDialer{dialFunc: refuse}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.PollInterval = 100 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := svc.Wake(ctx, cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.TargetReady)
	assert.Equal(t, context.Canceled, result.Error)
}

func TestWake_WithStabilizeWait(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	svc := NewWithClients(testLogger(), &mockWOLClient{}, &mockDialer{}, clk)

	cfg := testConfig()
	cfg.StabilizeWait = 30 * time.Second

	done := make(chan *models.WOLResult, 1)
	go func() {
		result, _ := svc.Wake(context.Background(), cfg)
		done <- result
	}()

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))

	select {
	case result := <-done:
		assert.True(t, result.TargetReady)
		assert.Equal(t, 30*time.Second, result.WaitDuration)
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not finish after stabilize wait")
	}
}

func TestWake_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	svc := NewWithClients(testLogger(), &mockWOLClient{}, &net.Dialer{Timeout: time.Second}, nil)
	cfg := testConfig()
	cfg.TargetAddress = ln.Addr().String()

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.TargetReady)
}
