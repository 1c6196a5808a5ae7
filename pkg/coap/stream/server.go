package stream

import (
	"bytes"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/stats"
)

type serverState uint8

const (
	serverReset serverState = iota
	serverHasRequest
	serverHasBlock1Request
	serverHasBlock2Request
	serverNeedsNextBlock
)

const (
	processBlockInvalid   = -1
	processBlockOK        = 0
	processBlockDuplicate = 1
)

type storedOpt struct {
	number  uint32
	content []byte
}

// serverStream is the state machine for inbound requests and outbound
// responses, including multi-block Block1 uploads and the promotion of
// oversized responses into Block2 transfers
type serverStream struct {
	state           serverState
	requestIdentity coap.Identity
	currBlock       coap.BlockInfo

	// critical options of the first Block1 request, compared byte-for-byte
	// against every subsequent block
	expectedBlockOpts []storedOpt

	lastErrorCode  coap.Code
	blockCtx       *blockTransfer
	staticIDSource *coap.StaticIdentitySource
	validator      BlockRequestValidator
}

func (server *serverStream) reset() {
	server.state = serverReset
	server.expectedBlockOpts = nil
	server.currBlock = coap.BlockInfo{}
	server.lastErrorCode = 0
	server.blockCtx = nil
	server.staticIDSource = nil
}

func (server *serverStream) hasError() bool {
	return server.lastErrorCode != 0
}

func (server *serverStream) identity() (coap.Identity, bool) {
	if server.state != serverReset {
		return server.requestIdentity, true
	}
	return coap.Identity{}, false
}

func (server *serverStream) isBlock1Transfer() bool {
	return server.state == serverHasBlock1Request ||
		server.state == serverNeedsNextBlock
}

func (server *serverStream) setupResponse(out *outputBuffer, sock *coap.Socket,
	details *coap.MsgDetails) error {

	if server.state == serverReset {
		log.Debug("[SERVER] no request to respond to")
		return ErrInvalidState
	}

	if server.hasError() {
		log.Warnf("[SERVER] setupResponse called with unsent error: %v", server.lastErrorCode)
		server.lastErrorCode = 0
	}
	if !out.isReset() {
		log.Warn("[SERVER] setupResponse called, but out buffer not reset")
		out.reset()
	}

	var block *coap.BlockInfo
	if server.isBlock1Transfer() && details.Code.Class() == 2 {
		block = &server.currBlock
	}

	out.setupMtu(sock)
	return out.setupMsg(server.requestIdentity, details, block)
}

func (server *serverStream) setError(code coap.Code) {
	if server.hasError() {
		log.Debugf("[SERVER] error %v skipped (%v still not sent)", code, server.lastErrorCode)
	}
	server.lastErrorCode = code
	log.Debugf("[SERVER] server error set to %v", code)
}

func (server *serverStream) setupErrorResponse(out *outputBuffer, sock *coap.Socket) error {
	details := &coap.MsgDetails{
		Type:   coap.TypeAcknowledgement,
		Code:   server.lastErrorCode,
		Format: coap.FormatNone,
	}
	out.reset()
	return server.setupResponse(out, sock, details)
}

func (server *serverStream) finishResponse(out *outputBuffer, sock *coap.Socket) error {
	if server.hasError() {
		// the error supersedes a Block2 transfer in progress
		if server.blockCtx != nil {
			server.requestIdentity = server.blockCtx.lastRequestIdentity()
			server.blockCtx = nil
			server.staticIDSource = nil
		}
		if err := server.setupErrorResponse(out, sock); err != nil {
			return err
		}
	}

	if server.blockCtx != nil {
		err := server.blockCtx.finish()
		server.requestIdentity = server.blockCtx.lastRequestIdentity()
		server.blockCtx = nil
		server.staticIDSource = nil
		return err
	}

	if out.isReset() {
		// an aborted block transfer already consumed the pending message
		return ErrInvalidState
	}

	if server.isBlock1Transfer() && !out.builder.HasPayload() {
		if err := out.updateMsgHeader(server.requestIdentity, server.currBlock); err != nil {
			return err
		}
	}

	return sock.Send(out.buildMsg())
}

// storeCriticalOptions captures every critical option other than ignoredOpt
// for cross-block comparison
func (server *serverStream) storeCriticalOptions(msg coap.Message, ignoredOpt uint16) {
	server.expectedBlockOpts = nil
	for it := msg.OptIterator(); !it.Done(); it.Next() {
		number := it.Number()
		if number == uint32(ignoredOpt) || number%2 == 0 {
			continue
		}
		server.expectedBlockOpts = append(server.expectedBlockOpts, storedOpt{
			number:  number,
			content: append([]byte(nil), it.Opt().Value()...),
		})
	}
}

// validateCriticalOptions re-compares the critical options of a continuation
// block against the ones captured on the first block
func (server *serverStream) validateCriticalOptions(msg coap.Message, ignoredOpt uint16) bool {
	expected := server.expectedBlockOpts
	for it := msg.OptIterator(); !it.Done(); it.Next() {
		number := it.Number()
		if number == uint32(ignoredOpt) || number%2 == 0 {
			continue
		}
		if len(expected) == 0 {
			log.Debugf("[SERVER] critical options mismatch on BLOCK request: unexpected option %d", number)
			return false
		}
		if expected[0].number != number || !bytes.Equal(expected[0].content, it.Opt().Value()) {
			log.Debugf("[SERVER] critical options mismatch on BLOCK request: option %d differs", number)
			return false
		}
		expected = expected[1:]
	}
	if len(expected) != 0 {
		log.Debugf("[SERVER] critical options mismatch on BLOCK request: option %d missing", expected[0].number)
		return false
	}
	return true
}

func (server *serverStream) processInitialRequest(msg coap.Message) error {
	if !msg.IsRequest() && msg.Type() != coap.TypeReset {
		// an incoming Reset may still require a reaction, so it is handed to
		// upper layers; anything else is not a request
		log.Debugf("[SERVER] invalid request: %v", msg.Code())
		return ErrInvalidRequest
	}

	block1, err1 := coap.GetBlockInfo(msg, coap.Block1)
	block2, err2 := coap.GetBlockInfo(msg, coap.Block2)
	if err1 != nil || err2 != nil {
		server.setError(coap.CodeBadRequest)
		return ErrInvalidRequest
	}
	// bidirectional block-wise communication has no LwM2M operation to
	// serve, so it is rejected outright
	if block1.Valid && block2.Valid {
		server.setError(coap.CodeBadOption)
		return ErrInvalidRequest
	}

	server.state = serverHasRequest
	if block1.Valid {
		server.currBlock = block1
		server.state = serverHasBlock1Request
	} else if block2.Valid {
		server.currBlock = block2
		server.state = serverHasBlock2Request
	}

	if block1.Valid || block2.Valid {
		log.Tracef("[SERVER] block request: offset %d, size %d",
			server.currBlock.Offset(), server.currBlock.Size)

		if server.currBlock.SeqNum != 0 {
			log.Error("[SERVER] initial block seq_num nonzero")
			server.setError(coap.CodeRequestEntityIncomplete)
			server.state = serverReset
			return ErrInvalidRequest
		}
		if block1.Valid {
			server.storeCriticalOptions(msg, coap.OptBlock1)
		}
	}

	server.requestIdentity = msg.Identity()
	return nil
}

// sendEntityTooLarge answers a truncated datagram with 4.13, provided its
// header and token survived truncation. Size1 is deliberately not included:
// its semantics are not clear enough in this profile.
func sendEntityTooLarge(sock *coap.Socket, raw []byte) {
	if len(raw) < coap.HeaderSize {
		log.Error("[SERVER] message too small to read header properly")
		return
	}
	tokenLength := int(raw[0] & 0x0F)
	if tokenLength > coap.MaxTokenLength || len(raw) < coap.HeaderSize+tokenLength {
		log.Error("[SERVER] message too small to read token properly")
		return
	}
	id := coap.Identity{
		MsgID: uint16(raw[2])<<8 | uint16(raw[3]),
		Token: coap.Token(raw[coap.HeaderSize : coap.HeaderSize+tokenLength]),
	}
	sendErrorFor(sock, id, coap.CodeRequestEntityTooLarge)
}

func (server *serverStream) receiveRequest(in *inputBuffer, sock *coap.Socket) error {
	err := in.getNextMessage(sock)
	if err == coap.ErrMsgTooLong {
		sendEntityTooLarge(sock, in.rawBytes())
		return err
	}
	if err != nil {
		return err
	}

	msg := in.message()
	if err := server.processInitialRequest(msg); err != nil {
		if !server.hasError() {
			rejectMessage(sock, msg)
		} else {
			sendError(sock, msg, server.lastErrorCode)
			server.lastErrorCode = 0
		}
		return err
	}
	return nil
}

func (server *serverStream) getOrReceiveMsg(in *inputBuffer, sock *coap.Socket) error {
	if server.state == serverReset {
		return server.receiveRequest(in, sock)
	}
	return nil
}

func (server *serverStream) processNextBlock(msg coap.Message) (int, coap.Code) {
	newBlock, err := coap.GetBlockInfo(msg, coap.Block1)
	if err != nil {
		log.Debug("[SERVER] block-wise transfer - rejecting message: BLOCK1 invalid")
		return processBlockInvalid, coap.CodeBadRequest
	}
	if !newBlock.Valid {
		log.Debug("[SERVER] block-wise transfer - rejecting message: BLOCK1 missing")
		return processBlockInvalid, 0
	}

	block2, err := coap.GetBlockInfo(msg, coap.Block2)
	if err != nil {
		log.Debug("[SERVER] block-wise transfer - cannot get information about BLOCK2 option")
		return processBlockInvalid, 0
	}
	if block2.Valid {
		log.Debug("[SERVER] block-wise transfer - got BLOCK2 option during BLOCK1 transfer")
		return processBlockInvalid, coap.CodeBadOption
	}

	offset := newBlock.Offset()
	expectedOffset := server.currBlock.Offset() + uint32(server.currBlock.Size)

	if offset != expectedOffset {
		if server.requestIdentity == msg.Identity() && server.currBlock.Equal(newBlock) {
			return processBlockDuplicate, 0
		}
		log.Error("[SERVER] incomplete block request")
		return processBlockInvalid, coap.CodeRequestEntityIncomplete
	}

	if !server.validateCriticalOptions(msg, coap.OptBlock1) {
		return processBlockInvalid, coap.CodeServiceUnavailable
	}

	server.state = serverHasBlock1Request
	server.currBlock = newBlock
	log.Tracef("[SERVER] got block: offset %d (size %d)", newBlock.Offset(), newBlock.Size)
	return processBlockOK, 0
}

func sendContinue(sock *coap.Socket, id coap.Identity, block coap.BlockInfo) {
	info := &coap.MsgInfo{
		Type:     coap.TypeAcknowledgement,
		Code:     coap.CodeContinue,
		Identity: id,
	}
	if err := info.AddBlock(block); err != nil {
		log.Errorf("[SERVER] could not add BLOCK option: %v", err)
		return
	}
	msg, err := coap.BuildWithoutPayload(info)
	if err != nil {
		log.Errorf("[SERVER] could not build 2.31 Continue: %v", err)
		return
	}
	if err := sock.Send(msg); err != nil {
		log.Debugf("[SERVER] could not send 2.31 Continue: %v", err)
	}
}

func (server *serverStream) receiveNextBlock(msg coap.Message) (int, bool, coap.Code) {
	result, errCode := server.processNextBlock(msg)
	switch {
	case result == processBlockInvalid && errCode == coap.CodeServiceUnavailable:
		// a mismatching continuation may come from another client
		// legitimately sharing the port: reply 5.03, keep waiting
		return result, true, errCode
	case result == processBlockInvalid && errCode == 0:
		return result, true, 0
	default:
		server.requestIdentity = msg.Identity()
		if errCode != 0 {
			server.setError(errCode)
			return processBlockInvalid, false, 0
		}
		return result, false, 0
	}
}

// receiveNextBlockWithTimeout waits for the next Block1 block. The bound
// follows CoAP BLOCK 2.5: the cached transfer state can be discarded after
// EXCHANGE_LIFETIME.
func (server *serverStream) receiveNextBlockWithTimeout(in *inputBuffer, sock *coap.Socket) error {
	timeout := sock.TxParams().ExchangeLifetime()
	for timeout > 0 {
		result, err := recvMsgWithTimeout(sock, in, &timeout, server.receiveNextBlock)
		if err != nil {
			return err
		}

		switch result {
		case processBlockDuplicate:
			sendContinue(sock, server.requestIdentity, server.currBlock)
		case processBlockOK:
			return nil
		default:
			return ErrTransferAborted
		}
	}
	log.Debugf("[SERVER] timeout reached while waiting for block (offset = %d)",
		server.currBlock.Offset())
	return coap.ErrTimeout
}

func (server *serverStream) read(in *inputBuffer, sock *coap.Socket, dst []byte) (int, bool, error) {
	if server.state == serverReset {
		return 0, false, ErrInvalidState
	}

	if server.state == serverNeedsNextBlock {
		if err := server.receiveNextBlockWithTimeout(in, sock); err != nil {
			return 0, false, err
		}
	}

	n, finished := in.read(dst)

	if finished && server.state == serverHasBlock1Request {
		if server.currBlock.HasMore {
			log.Tracef("[SERVER] block: packet %d finished", server.currBlock.SeqNum)
			server.state = serverNeedsNextBlock
			sendContinue(sock, server.requestIdentity, server.currBlock)
			finished = false
		} else {
			log.Trace("[SERVER] block: read complete")
		}
	}

	return n, finished, nil
}

func (server *serverStream) blockResponseRequested() bool {
	return server.currBlock.Valid && server.currBlock.Type == coap.Block2
}

func (server *serverStream) blockWrite(in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, rng *rand.Rand, collector *stats.Collector, data []byte) error {

	if server.blockCtx == nil {
		blockSize := uint16(coap.MaxBlockSize)
		if server.currBlock.Valid {
			blockSize = server.currBlock.Size
		}
		server.staticIDSource = coap.NewStaticIdentitySource(server.requestIdentity)
		ctx, err := newBlockResponse(blockSize, in, out, sock,
			server.staticIDSource, server.validator, rng, collector)
		if err != nil {
			server.staticIDSource = nil
			return err
		}
		server.blockCtx = ctx
	}

	if err := server.blockCtx.write(data); err != nil {
		server.requestIdentity = server.blockCtx.lastRequestIdentity()
		server.blockCtx = nil
		server.staticIDSource = nil
		return err
	}
	return nil
}

func (server *serverStream) write(in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, rng *rand.Rand, collector *stats.Collector, data []byte) error {

	if server.blockCtx == nil && out.isReset() {
		log.Error("[SERVER] write called without a response set up")
		return ErrInvalidState
	}

	bytesWritten := 0
	if server.blockCtx == nil && !server.blockResponseRequested() {
		bytesWritten = out.write(data)
		if bytesWritten == len(data) {
			return nil
		}
		log.Trace("[SERVER] response payload does not fit in the buffer - initiating block-wise transfer")
	}

	return server.blockWrite(in, out, sock, rng, collector, data[bytesWritten:])
}

// installBlockRequestValidator sets the relation validator for Block2
// continuation requests
func (server *serverStream) installBlockRequestValidator(validator BlockRequestValidator) {
	server.validator = validator
	if server.blockCtx != nil {
		server.blockCtx.validator = validator
	}
}
