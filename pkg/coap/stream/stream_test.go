package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlw/golwm2m/pkg/coap"
)

// testPeer drives the raw-datagram side of an exchange from a goroutine
type testPeer struct {
	t    *testing.T
	sock *coap.VirtualSocket
}

func (p *testPeer) recv() (coap.Message, bool) {
	buf := make([]byte, 2048)
	n, err := p.sock.Recv(buf, 5*time.Second)
	if err != nil {
		p.t.Errorf("peer receive failed: %v", err)
		return coap.Message{}, false
	}
	msg, err := coap.ParseMessage(buf[:n])
	if err != nil {
		p.t.Errorf("peer received malformed message: %v", err)
		return coap.Message{}, false
	}
	return msg, true
}

func (p *testPeer) send(info *coap.MsgInfo, payload []byte) {
	buf := make([]byte, info.PacketStorageSize(len(payload)))
	builder, err := coap.NewMsgBuilder(buf, info)
	if err != nil {
		p.t.Errorf("peer could not build message: %v", err)
		return
	}
	if len(payload) > 0 {
		builder.AppendPayload(payload)
	}
	if err := p.sock.Send(builder.Message().Raw()); err != nil {
		p.t.Errorf("peer could not send: %v", err)
	}
}

func (p *testPeer) sendResponse(msgType coap.Type, code coap.Code, id coap.Identity,
	block *coap.BlockInfo, payload []byte) {

	info := &coap.MsgInfo{Type: msgType, Code: code, Identity: id}
	if block != nil {
		if err := info.AddBlock(*block); err != nil {
			p.t.Errorf("peer could not add block option: %v", err)
			return
		}
	}
	p.send(info, payload)
}

func newTestStream(t *testing.T, inSize, outSize int) (*Stream, *testPeer) {
	local, remote := coap.NewVirtualSocketPair()
	sock := coap.NewSocket(local, 4096, nil)
	s := NewStream(sock, inSize, outSize)
	return s, &testPeer{t: t, sock: remote}
}

func getDetails(path ...string) *coap.MsgDetails {
	return &coap.MsgDetails{
		Type:    coap.TypeConfirmable,
		Code:    coap.CodeGet,
		Format:  coap.FormatNone,
		UriPath: path,
	}
}

// Scenario: non-block CON request answered with a piggybacked ACK
func TestPiggybackedResponse(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, ok := peer.recv()
		if !ok {
			return
		}
		assert.Equal(t, coap.TypeConfirmable, req.Type())
		assert.Equal(t, coap.CodeGet, req.Code())
		assert.Equal(t, coap.Token([]byte{0xA1}), req.Token())
		assert.Equal(t, []string{"x"}, req.StringOptions(coap.OptUriPath))

		peer.sendResponse(coap.TypeAcknowledgement, coap.CodeContent,
			req.Identity(), nil, []byte("hello"))
	}()

	token := coap.Token([]byte{0xA1})
	require.NoError(t, s.SetupRequest(getDetails("x"), &token))
	require.NoError(t, s.FinishMessage())

	buf := make([]byte, 64)
	n, finished, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.True(t, finished)
	<-done
}

// Scenario: Separate Response - empty ACK first, the real response later in
// a new confirmable message that the client must acknowledge
func TestSeparateResponse(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, ok := peer.recv()
		if !ok {
			return
		}

		// empty ACK: request is being processed
		peer.sendResponse(coap.TypeAcknowledgement, coap.CodeEmpty,
			coap.Identity{MsgID: req.MessageID()}, nil, nil)

		// the actual response in a separate confirmable exchange
		separateID := coap.Identity{MsgID: 0x0100, Token: req.Token()}
		peer.sendResponse(coap.TypeConfirmable, coap.CodeContent,
			separateID, nil, []byte("later"))

		// the client must acknowledge the separate response
		ack, ok := peer.recv()
		if !ok {
			return
		}
		assert.Equal(t, coap.TypeAcknowledgement, ack.Type())
		assert.Equal(t, coap.CodeEmpty, ack.Code())
		assert.Equal(t, uint16(0x0100), ack.MessageID())
	}()

	require.NoError(t, s.SetupRequest(getDetails("x"), nil))
	require.NoError(t, s.FinishMessage())

	buf := make([]byte, 64)
	n, finished, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "later", string(buf[:n]))
	assert.True(t, finished)
	<-done
}

// A Reset response aborts the exchange
func TestResetResponse(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	go func() {
		req, ok := peer.recv()
		if !ok {
			return
		}
		peer.sendResponse(coap.TypeReset, coap.CodeEmpty,
			coap.Identity{MsgID: req.MessageID()}, nil, nil)
	}()

	require.NoError(t, s.SetupRequest(getDetails("x"), nil))
	assert.ErrorIs(t, s.FinishMessage(), ErrReceiveReset)

	// the stream recovers after a reset
	s.Reset()
	require.NoError(t, s.SetupRequest(getDetails("y"), nil))
}

// With MAX_RETRANSMIT = 0 an unanswered confirmable request is sent exactly
// once and fails with Timeout
func TestConfirmableTimeout(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	require.NoError(t, s.SetTxParams(coap.TransmissionParams{
		AckTimeout:      time.Second,
		AckRandomFactor: 1.001,
		MaxRetransmit:   0,
	}))

	require.NoError(t, s.SetupRequest(getDetails("x"), nil))

	start := time.Now()
	err := s.FinishMessage()
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, coap.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	// exactly one send
	if _, ok := peer.recv(); !ok {
		t.Fatal("request was never sent")
	}
	buf := make([]byte, 64)
	_, err = peer.sock.Recv(buf, 100*time.Millisecond)
	assert.ErrorIs(t, err, coap.ErrTimeout)
}

// A non-confirmable request is sent without the retry loop; its response is
// picked up on Read
func TestNonConfirmableRequest(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, ok := peer.recv()
		if !ok {
			return
		}
		assert.Equal(t, coap.TypeNonConfirmable, req.Type())
		peer.sendResponse(coap.TypeNonConfirmable, coap.CodeContent,
			coap.Identity{MsgID: 0x0777, Token: req.Token()}, nil, []byte("non"))
	}()

	details := getDetails("x")
	details.Type = coap.TypeNonConfirmable
	require.NoError(t, s.SetupRequest(details, nil))
	require.NoError(t, s.FinishMessage())

	buf := make([]byte, 64)
	n, finished, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "non", string(buf[:n]))
	assert.True(t, finished)
	<-done
}

func TestStreamStateGuards(t *testing.T) {
	s, _ := newTestStream(t, 1152, 1152)
	defer s.Close()

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, s.FinishMessage(), ErrInvalidState)
	assert.ErrorIs(t, s.SetupResponse(&coap.MsgDetails{}), ErrInvalidState)
	assert.ErrorIs(t, s.SetError(coap.CodeBadRequest), ErrInvalidState)
	_, err = s.RequestIdentity()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.SetupRequest(getDetails("x"), nil))
	_, err = s.RequestIdentity()
	assert.NoError(t, err)
}

func TestRequestIdentityMatchesWire(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	got := make(chan coap.Identity, 1)
	go func() {
		req, ok := peer.recv()
		if !ok {
			close(got)
			return
		}
		got <- req.Identity()
		peer.sendResponse(coap.TypeAcknowledgement, coap.CodeContent,
			req.Identity(), nil, []byte("ok"))
	}()

	require.NoError(t, s.SetupRequest(getDetails("x"), nil))
	id, err := s.RequestIdentity()
	require.NoError(t, err)
	require.NoError(t, s.FinishMessage())

	wireID, ok := <-got
	require.True(t, ok)
	assert.Equal(t, wireID, id)
}
