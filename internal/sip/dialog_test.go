package sip

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSender) sendBYE(ctx context.Context, d *Dialog) error {
	f.calls.Add(1)
	return f.err
}

func newTestDialog(t *testing.T, callID string, sender byeSender) *Dialog {
	t.Helper()
	var local, remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:tok@localhost", &local))
	require.NoError(t, sip.ParseUri("sip:ms@10.0.0.9:5060", &remote))
	return &Dialog{
		CallID:       callID,
		Direction:    DirectionOutbound,
		LocalTag:     "ltag",
		RemoteTag:    "rtag",
		localURI:     local,
		remoteURI:    remote,
		remoteTarget: remote,
		cseq:         1,
		startTime:    time.Now(),
		sender:       sender,
		logger:       testLogger(),
	}
}

func TestDialogDestroy(t *testing.T) {
	sender := &fakeSender{}
	dm := NewDialogManager(testLogger())
	d := newTestDialog(t, "call-1", sender)
	dm.Add(d)
	require.Equal(t, 1, dm.Count())

	var fired atomic.Int32
	d.OnDestroy(func() { fired.Add(1) })

	require.NoError(t, d.Destroy(context.Background()))
	assert.True(t, d.Terminated())
	assert.Equal(t, HangupLocalBYE, d.HangupCause())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, dm.Count())

	select {
	case <-d.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// Second destroy is a no-op.
	require.NoError(t, d.Destroy(context.Background()))
	assert.Equal(t, int32(1), sender.calls.Load())
	assert.Equal(t, int32(1), fired.Load())
}

func TestDialogDestroyByeFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("timeout")}
	d := newTestDialog(t, "call-2", sender)

	err := d.Destroy(context.Background())
	assert.Error(t, err)
	assert.True(t, d.Terminated(), "dialog is terminated locally even when BYE fails")
}

func TestDialogRemoteTerminate(t *testing.T) {
	sender := &fakeSender{}
	dm := NewDialogManager(testLogger())
	d := newTestDialog(t, "call-3", sender)
	dm.Add(d)

	got := dm.Terminate("call-3", HangupRemoteBYE)
	require.Same(t, d, got)
	assert.Equal(t, HangupRemoteBYE, d.HangupCause())
	assert.Nil(t, dm.Get("call-3"))
	assert.Nil(t, dm.Terminate("call-3", HangupRemoteBYE))

	require.NoError(t, d.Destroy(context.Background()))
	assert.Equal(t, int32(0), sender.calls.Load(), "no BYE after the peer hung up")
}

func TestDialogOnDestroyAfterTermination(t *testing.T) {
	d := newTestDialog(t, "call-4", &fakeSender{})
	d.terminate(HangupRemoteBYE)

	called := false
	d.OnDestroy(func() { called = true })
	assert.True(t, called)
}

func TestBuildBYE(t *testing.T) {
	d := newTestDialog(t, "call-5", &fakeSender{})
	bye := buildBYE(d, d.nextCSeq())

	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, "10.0.0.9", bye.Recipient.Host)

	tag, _ := bye.From().Params.Get("tag")
	assert.Equal(t, "ltag", tag)
	assert.Equal(t, "tok", bye.From().Address.User)

	tag, _ = bye.To().Params.Get("tag")
	assert.Equal(t, "rtag", tag)

	assert.Equal(t, "call-5", bye.CallID().Value())
	assert.Equal(t, uint32(2), bye.CSeq().SeqNo)
	assert.Equal(t, sip.BYE, bye.CSeq().MethodName)
}

func TestBuildACKFor2xx(t *testing.T) {
	s := testServer()
	req, err := s.buildInvite("sip:ms@10.0.0.9:5060", OutboundOptions{FromUser: "tok"})
	require.NoError(t, err)
	cid := sip.CallIDHeader("call-6")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 3, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ToHeader{Address: req.Recipient, Params: sip.NewParams()})

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.To().Params.Add("tag", "answered")

	ack := buildACKFor2xx(req, res)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, uint32(3), ack.CSeq().SeqNo)
	assert.Equal(t, "call-6", ack.CallID().Value())
	tag, ok := ack.To().Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, "answered", tag)
}
