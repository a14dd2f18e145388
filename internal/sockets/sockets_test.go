package sockets

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guysv/ilua/internal/log"
	"github.com/guysv/ilua/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func newRouter(t *testing.T, key string) (*Router, *protocol.Codec) {
	t.Helper()
	signer, err := protocol.NewSigner("hmac-sha256", key)
	require.NoError(t, err)
	codec := protocol.NewCodec(signer)

	r, err := Listen(context.Background(), codec, Bind{Transport: "tcp", IP: "127.0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, codec
}

func TestListenResolvesEphemeralPorts(t *testing.T) {
	r, _ := newRouter(t, "")
	p := r.Ports()
	for name, port := range map[string]int{"shell": p.Shell, "control": p.Control, "stdin": p.Stdin, "iopub": p.IOPub, "hb": p.HB} {
		assert.Greater(t, port, 0, name)
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "tcp://127.0.0.1:5555", Endpoint("tcp", "127.0.0.1", 5555))
	assert.Equal(t, "ipc:///tmp/kernel-3", Endpoint("ipc", "/tmp/kernel", 3))
}

func TestShellRequestAndReply(t *testing.T) {
	r, codec := newRouter(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("frontend")))
	defer client.Close()
	require.NoError(t, client.Dial(Endpoint("tcp", "127.0.0.1", r.Ports().Shell)))

	frames, err := codec.Build("kernel_info_request", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, client.SendMulti(zmq4.NewMsgFrom(frames...)))

	var req Request
	select {
	case req = <-r.Requests():
	case <-ctx.Done():
		t.Fatal("no request delivered")
	}
	require.NoError(t, req.Err)
	assert.Equal(t, Shell, req.Channel)
	assert.Equal(t, "kernel_info_request", req.Msg.Header.MsgType)
	require.Len(t, req.Identities, 1)
	assert.Equal(t, "frontend", string(req.Identities[0]))

	require.NoError(t, r.Reply(&req, "kernel_info_reply", map[string]any{"status": "ok"}))

	msg, err := client.Recv()
	require.NoError(t, err)
	reply, _, err := codec.Parse(msg.Frames)
	require.NoError(t, err)
	assert.Equal(t, "kernel_info_reply", reply.Header.MsgType)
	assert.Equal(t, req.Msg.Header.MsgID, reply.Parent.MsgID)
	assert.Equal(t, "ok", reply.Content["status"])
}

func TestBadSignatureDeliveredAsError(t *testing.T) {
	r, _ := newRouter(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := zmq4.NewDealer(ctx)
	defer client.Close()
	require.NoError(t, client.Dial(Endpoint("tcp", "127.0.0.1", r.Ports().Control)))

	forged := protocol.NewCodec(mustSigner(t, "wrong-key"))
	frames, err := forged.Build("shutdown_request", map[string]any{"restart": false}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, client.SendMulti(zmq4.NewMsgFrom(frames...)))

	select {
	case req := <-r.Requests():
		assert.Equal(t, Control, req.Channel)
		assert.ErrorIs(t, req.Err, protocol.ErrSignature)
		assert.Nil(t, req.Msg)
	case <-ctx.Done():
		t.Fatal("no request delivered")
	}
}

func TestPublishCarriesTopic(t *testing.T) {
	r, codec := newRouter(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := zmq4.NewSub(ctx)
	defer sub.Close()
	require.NoError(t, sub.Dial(Endpoint("tcp", "127.0.0.1", r.Ports().IOPub)))
	require.NoError(t, sub.SetOption(zmq4.OptionSubscribe, ""))

	got := make(chan zmq4.Msg, 1)
	go func() {
		msg, err := sub.Recv()
		if err == nil {
			got <- msg
		}
	}()

	// A subscription takes a moment to propagate; publish until it lands.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-got:
			require.GreaterOrEqual(t, len(msg.Frames), 7)
			assert.Equal(t, fmt.Sprintf("kernel.%s.status", codec.Session()), string(msg.Frames[0]))
			parsed, ids, err := codec.Parse(msg.Frames)
			require.NoError(t, err)
			assert.Len(t, ids, 1)
			assert.Equal(t, "idle", parsed.Content["execution_state"])
			return
		case <-ticker.C:
			require.NoError(t, r.Publish("status", map[string]any{"execution_state": "idle"}, nil))
		case <-ctx.Done():
			t.Fatal("broadcast never received")
		}
	}
}

func TestHeartbeatEchoes(t *testing.T) {
	r, _ := newRouter(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := zmq4.NewReq(ctx)
	defer req.Close()
	require.NoError(t, req.Dial(Endpoint("tcp", "127.0.0.1", r.Ports().HB)))

	require.NoError(t, req.Send(zmq4.NewMsgString("ping")))
	msg, err := req.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg.Bytes()))
}

func mustSigner(t *testing.T, key string) *protocol.Signer {
	t.Helper()
	s, err := protocol.NewSigner("hmac-sha256", key)
	require.NoError(t, err)
	return s
}
