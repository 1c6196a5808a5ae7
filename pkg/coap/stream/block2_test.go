package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlw/golwm2m/pkg/coap"
)

func block2Of(t *testing.T, msg coap.Message) coap.BlockInfo {
	t.Helper()
	block, err := coap.GetBlockInfo(msg, coap.Block2)
	if err != nil || !block.Valid {
		t.Errorf("missing BLOCK2 in %s", msg.Summary())
	}
	return block
}

func sendGet(peer *testPeer, id coap.Identity, block *coap.BlockInfo) {
	info := &coap.MsgInfo{Type: coap.TypeConfirmable, Code: coap.CodeGet, Identity: id}
	if block != nil {
		if err := info.AddBlock(*block); err != nil {
			peer.t.Errorf("AddBlock: %v", err)
			return
		}
	}
	peer.send(info, nil)
}

func serveBlock2Response(t *testing.T, s *Stream, payload []byte) {
	buf := make([]byte, 64)
	_, finished, err := s.Read(buf)
	require.NoError(t, err)
	require.True(t, finished)

	require.NoError(t, s.SetupResponse(&coap.MsgDetails{
		Type:   coap.TypeAcknowledgement,
		Code:   coap.CodeContent,
		Format: coap.FormatOpaque,
	}))
	_, err = s.Write(payload)
	if err == nil {
		err = s.FinishMessage()
	}
	if err != nil {
		// surfaced to the test through the channel the peer closes
		t.Logf("block2 response ended with: %v", err)
	}
}

// A response payload larger than one datagram is served block-wise; each
// block echoes the identity of the request that asked for it
func TestServerBlock2Download(t *testing.T) {
	// 128-byte output buffer forces 64-byte blocks
	s, peer := newTestStream(t, 1152, 128)
	defer s.Close()

	payload := numberedPayload(200)

	done := make(chan []byte, 1)
	go func() {
		var reassembled []byte
		id := coap.Identity{MsgID: 0x5000, Token: coap.Token([]byte{0x05})}
		sendGet(peer, id, nil)

		for seq := uint32(0); ; seq++ {
			res, ok := peer.recv()
			if !ok {
				break
			}
			assert.Equal(t, coap.TypeAcknowledgement, res.Type())
			assert.Equal(t, coap.CodeContent, res.Code())
			assert.Equal(t, id, res.Identity())

			block := block2Of(t, res)
			assert.Equal(t, seq, block.SeqNum)
			assert.Equal(t, uint16(64), block.Size)
			reassembled = append(reassembled, res.Payload()...)

			if !block.HasMore {
				break
			}
			id = coap.Identity{MsgID: id.MsgID + 1, Token: id.Token}
			sendGet(peer, id, &coap.BlockInfo{
				Type: coap.Block2, Valid: true, SeqNum: seq + 1, Size: 64,
			})
		}
		done <- reassembled
	}()

	serveBlock2Response(t, s, payload)
	assert.Equal(t, payload, <-done)
}

// Scenario: the client lowers the block size at the first continuation; the
// transfer continues in the smaller units from the requested offset
func TestServerBlock2Renegotiation(t *testing.T) {
	s, peer := newTestStream(t, 1152, 128)
	defer s.Close()

	payload := numberedPayload(128)

	done := make(chan []byte, 1)
	go func() {
		var reassembled []byte
		id := coap.Identity{MsgID: 0x6000, Token: coap.Token([]byte{0x06})}
		sendGet(peer, id, nil)

		// block 0 arrives with the server-chosen size 64
		res, ok := peer.recv()
		if !ok {
			done <- nil
			return
		}
		first := block2Of(t, res)
		assert.Equal(t, uint32(0), first.SeqNum)
		assert.Equal(t, uint16(64), first.Size)
		reassembled = append(reassembled, res.Payload()[:32]...)

		// continue at seq 1 in 32-byte units: offset 32, still inside the
		// first block - the downshift must be honored
		seq := uint32(1)
		for {
			id = coap.Identity{MsgID: id.MsgID + 1, Token: id.Token}
			sendGet(peer, id, &coap.BlockInfo{
				Type: coap.Block2, Valid: true, SeqNum: seq, Size: 32,
			})
			res, ok := peer.recv()
			if !ok {
				break
			}
			block := block2Of(t, res)
			assert.Equal(t, seq, block.SeqNum)
			assert.Equal(t, uint16(32), block.Size)
			reassembled = append(reassembled, res.Payload()...)
			if !block.HasMore {
				break
			}
			seq++
		}
		done <- reassembled
	}()

	serveBlock2Response(t, s, payload)
	assert.Equal(t, payload, <-done)
}

// A size increase in the middle of the transfer aborts it
func TestServerBlock2IncreaseRejected(t *testing.T) {
	s, peer := newTestStream(t, 1152, 128)
	defer s.Close()

	go func() {
		id := coap.Identity{MsgID: 0x7000, Token: coap.Token([]byte{0x07})}
		sendGet(peer, id, nil)

		if _, ok := peer.recv(); !ok { // block 0 @ 64B
			return
		}

		id = coap.Identity{MsgID: 0x7001, Token: id.Token}
		sendGet(peer, id, &coap.BlockInfo{
			Type: coap.Block2, Valid: true, SeqNum: 1, Size: 128,
		})
	}()

	buf := make([]byte, 64)
	_, _, err := s.Read(buf)
	require.NoError(t, err)

	require.NoError(t, s.SetupResponse(&coap.MsgDetails{
		Type:   coap.TypeAcknowledgement,
		Code:   coap.CodeContent,
		Format: coap.FormatOpaque,
	}))
	_, writeErr := s.Write(numberedPayload(200))
	finishErr := s.FinishMessage()
	assert.True(t, errors.Is(writeErr, ErrTransferAborted) ||
		errors.Is(finishErr, ErrTransferAborted),
		"write: %v, finish: %v", writeErr, finishErr)
}

// A duplicate continuation request re-triggers the last block
func TestServerBlock2DuplicateRetransmit(t *testing.T) {
	s, peer := newTestStream(t, 1152, 128)
	defer s.Close()

	// too large for one 128-byte message: two 64-byte blocks
	payload := numberedPayload(128)

	done := make(chan struct{})
	go func() {
		defer close(done)
		id := coap.Identity{MsgID: 0x7100, Token: coap.Token([]byte{0x08})}
		sendGet(peer, id, nil)

		first, ok := peer.recv()
		if !ok {
			return
		}
		firstPayload := append([]byte(nil), first.Payload()...)

		// the same request again: the last block must be re-sent verbatim
		sendGet(peer, id, nil)
		replay, ok := peer.recv()
		if !ok {
			return
		}
		assert.Equal(t, firstPayload, replay.Payload())
		assert.Equal(t, id, replay.Identity())

		// then the transfer continues normally
		id = coap.Identity{MsgID: 0x7101, Token: id.Token}
		sendGet(peer, id, &coap.BlockInfo{
			Type: coap.Block2, Valid: true, SeqNum: 1, Size: 64,
		})
		second, ok := peer.recv()
		if !ok {
			return
		}
		block := block2Of(t, second)
		assert.Equal(t, uint32(1), block.SeqNum)
		assert.False(t, block.HasMore)
	}()

	serveBlock2Response(t, s, payload)
	<-done
}

// Block2 requested up front: even a small response goes out block-wise with
// the client's block size
func TestServerBlock2RequestedUpFront(t *testing.T) {
	s, peer := newTestStream(t, 1152, 1152)
	defer s.Close()

	payload := numberedPayload(40)

	done := make(chan []byte, 1)
	go func() {
		var reassembled []byte
		id := coap.Identity{MsgID: 0x7200, Token: coap.Token([]byte{0x09})}
		sendGet(peer, id, &coap.BlockInfo{
			Type: coap.Block2, Valid: true, SeqNum: 0, Size: 16,
		})

		for seq := uint32(0); ; seq++ {
			res, ok := peer.recv()
			if !ok {
				break
			}
			block := block2Of(t, res)
			assert.Equal(t, seq, block.SeqNum)
			assert.Equal(t, uint16(16), block.Size)
			reassembled = append(reassembled, res.Payload()...)
			if !block.HasMore {
				break
			}
			id = coap.Identity{MsgID: id.MsgID + 1, Token: id.Token}
			sendGet(peer, id, &coap.BlockInfo{
				Type: coap.Block2, Valid: true, SeqNum: seq + 1, Size: 16,
			})
		}
		done <- reassembled
	}()

	serveBlock2Response(t, s, payload)
	assert.Equal(t, payload, <-done)
}

// The installed validator guards continuation requests: a rejected one gets
// 5.03 and the transfer proceeds once a conforming request arrives
func TestServerBlock2Validator(t *testing.T) {
	s, peer := newTestStream(t, 1152, 128)
	defer s.Close()

	s.InstallBlockRequestValidator(func(msg coap.Message) error {
		paths := msg.StringOptions(coap.OptUriPath)
		if len(paths) != 1 || paths[0] != "res" {
			return errors.New("continuation for a different resource")
		}
		return nil
	})

	// too large for one 128-byte message: two 64-byte blocks
	payload := numberedPayload(128)

	done := make(chan struct{})
	go func() {
		defer close(done)
		id := coap.Identity{MsgID: 0x7300, Token: coap.Token([]byte{0x0C})}
		info := &coap.MsgInfo{Type: coap.TypeConfirmable, Code: coap.CodeGet, Identity: id}
		if err := info.AddString(coap.OptUriPath, "res"); err != nil {
			t.Errorf("AddString: %v", err)
			return
		}
		peer.send(info, nil)

		if _, ok := peer.recv(); !ok { // block 0
			return
		}

		// continuation for another resource: rejected with 5.03
		badID := coap.Identity{MsgID: 0x7301, Token: coap.Token([]byte{0x0D})}
		badInfo := &coap.MsgInfo{Type: coap.TypeConfirmable, Code: coap.CodeGet, Identity: badID}
		if err := badInfo.AddString(coap.OptUriPath, "other"); err != nil {
			t.Errorf("AddString: %v", err)
			return
		}
		if err := badInfo.AddBlock(coap.BlockInfo{
			Type: coap.Block2, Valid: true, SeqNum: 1, Size: 64,
		}); err != nil {
			t.Errorf("AddBlock: %v", err)
			return
		}
		peer.send(badInfo, nil)

		rejection, ok := peer.recv()
		if !ok {
			return
		}
		assert.Equal(t, coap.CodeServiceUnavailable, rejection.Code())

		// the conforming continuation is served
		goodID := coap.Identity{MsgID: 0x7302, Token: coap.Token([]byte{0x0C})}
		goodInfo := &coap.MsgInfo{Type: coap.TypeConfirmable, Code: coap.CodeGet, Identity: goodID}
		if err := goodInfo.AddString(coap.OptUriPath, "res"); err != nil {
			t.Errorf("AddString: %v", err)
			return
		}
		if err := goodInfo.AddBlock(coap.BlockInfo{
			Type: coap.Block2, Valid: true, SeqNum: 1, Size: 64,
		}); err != nil {
			t.Errorf("AddBlock: %v", err)
			return
		}
		peer.send(goodInfo, nil)

		second, ok := peer.recv()
		if !ok {
			return
		}
		assert.Equal(t, uint32(1), block2Of(t, second).SeqNum)
	}()

	serveBlock2Response(t, s, payload)
	<-done
}
