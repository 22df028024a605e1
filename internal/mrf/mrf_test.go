package mrf

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	var typedNil *slog.Logger

	tests := []struct {
		name string
		sig  Signaling
		opts []Option
	}{
		{"nil signaling", nil, nil},
		{"nil logger", newFakeSignaling(), []Option{WithLogger(nil)}},
		{"typed nil logger", newFakeSignaling(), []Option{WithLogger(typedNil)}},
		{"zero timeout", newFakeSignaling(), []Option{WithAllocationTimeout(0)}},
		{"nil dialer", newFakeSignaling(), []Option{WithSessionDialer(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.sig, tt.opts...)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestMrf_SetLogger(t *testing.T) {
	m, err := New(newFakeSignaling())
	require.NoError(t, err)
	require.NotNil(t, m.Logger())

	assert.ErrorIs(t, m.SetLogger(nil), ErrInvalidConfiguration)

	l := testLogger()
	require.NoError(t, m.SetLogger(l))
	assert.Equal(t, Logger(l), m.Logger())
}

func TestConnectOptions_Validate(t *testing.T) {
	valid := ARIOptions{Address: "10.0.0.5", Username: "u", Password: "p"}

	tests := []struct {
		name    string
		opts    ConnectOptions
		wantErr bool
	}{
		{"valid", ConnectOptions{ARI: valid}, false},
		{"missing address", ConnectOptions{ARI: ARIOptions{Username: "u", Password: "p"}}, true},
		{"missing username", ConnectOptions{ARI: ARIOptions{Address: "h", Password: "p"}}, true},
		{"missing password", ConnectOptions{ARI: ARIOptions{Address: "h", Username: "u"}}, true},
		{"ari port range", ConnectOptions{ARI: ARIOptions{Address: "h", Username: "u", Password: "p", Port: 70000}}, true},
		{"sip port range", ConnectOptions{ARI: valid, SIP: SIPOptions{Port: -1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectOptions_SIPAddress(t *testing.T) {
	tests := []struct {
		name string
		opts ConnectOptions
		want string
	}{
		{"defaults to ari host", ConnectOptions{ARI: ARIOptions{Address: "10.0.0.5"}}, "10.0.0.5:5060"},
		{"explicit port", ConnectOptions{ARI: ARIOptions{Address: "10.0.0.5"}, SIP: SIPOptions{Port: 5080}}, "10.0.0.5:5080"},
		{"explicit host", ConnectOptions{ARI: ARIOptions{Address: "10.0.0.5"}, SIP: SIPOptions{Address: "10.0.0.6"}}, "10.0.0.6:5060"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.sipAddress())
		})
	}
}

func TestMrf_ConnectInvalidDoesNotDial(t *testing.T) {
	dialed := false
	m, err := New(newFakeSignaling(), WithSessionDialer(func(ari.Options, *slog.Logger) (EventSession, error) {
		dialed = true
		return newFakeSession(), nil
	}))
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), ConnectOptions{ARI: ARIOptions{Address: "10.0.0.5"}})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.False(t, dialed)
	assert.Empty(t, m.MediaServers())
}

func TestMrf_ConnectStartFailure(t *testing.T) {
	sess := newFakeSession()
	sess.startErr = errors.New("401 Unauthorized")

	m, err := New(newFakeSignaling(),
		WithLogger(testLogger()),
		WithSessionDialer(func(ari.Options, *slog.Logger) (EventSession, error) { return sess, nil }),
	)
	require.NoError(t, err)

	ms, err := m.Connect(context.Background(), ConnectOptions{
		ARI: ARIOptions{Address: "10.0.0.5", Username: "u", Password: "wrong"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 Unauthorized")
	assert.Nil(t, ms)
	assert.Empty(t, m.MediaServers())
	assert.Nil(t, m.Pick())
	assert.Equal(t, int32(1), sess.stops.Load())
}

func TestMrf_ConnectDialFailure(t *testing.T) {
	m, err := New(newFakeSignaling(), WithSessionDialer(func(ari.Options, *slog.Logger) (EventSession, error) {
		return nil, errors.New("connection refused")
	}))
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), ConnectOptions{
		ARI: ARIOptions{Address: "10.0.0.5", Username: "u", Password: "p"},
	})
	assert.ErrorContains(t, err, "connection refused")
}

func TestMrf_MediaServers(t *testing.T) {
	h := newHarness(t, WithAllocationTimeout(time.Second))

	select {
	case <-h.ms.Ready():
	default:
		t.Fatal("media server not ready after Connect")
	}

	assert.Same(t, h.ms, h.mrf.Pick())
	assert.Same(t, h.ms, h.mrf.MediaServer(h.ms.ID()))
	assert.Nil(t, h.mrf.MediaServer("astmrf-unknown"))
	assert.Equal(t, time.Second, h.ms.timeout)

	stats := h.mrf.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, h.ms.ID(), stats[0].ID)

	require.NoError(t, h.mrf.Disconnect())
	assert.Empty(t, h.mrf.MediaServers())
	assert.False(t, h.ms.Connected())
}

func TestSignalingError(t *testing.T) {
	tests := []struct {
		name string
		err  *SignalingError
		want string
	}{
		{"status", &SignalingError{Status: 503, Reason: "Service Unavailable"}, "503 Service Unavailable"},
		{"transport", &SignalingError{Err: context.DeadlineExceeded}, context.DeadlineExceeded.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.want)
			assert.ErrorIs(t, tt.err, ErrSignalingFailure)
		})
	}
}
