package stream

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/stats"
)

type clientState uint8

const (
	clientReset clientState = iota
	clientHasRequestHeader
	clientRequestSent
	clientHasSeparateAck
	clientHasResponseContent
)

const (
	checkInvalidResponse = -1
	checkOK              = 0
	checkReset           = 1
	checkNeedsAck        = 2
)

// clientStream is the state machine for outbound requests and their
// responses, including Separate ACK handling
type clientStream struct {
	state               clientState
	lastRequestIdentity coap.Identity
	blockCtx            *blockTransfer
}

func (client *clientStream) reset() {
	client.state = clientReset
	client.blockCtx = nil
}

func (client *clientStream) requestIdentity() (coap.Identity, bool) {
	if client.state >= clientHasRequestHeader {
		return client.lastRequestIdentity, true
	}
	return coap.Identity{}, false
}

func (client *clientStream) setupRequest(out *outputBuffer, sock *coap.Socket,
	details *coap.MsgDetails, identity coap.Identity) error {

	if client.state != clientReset {
		log.Tracef("[CLIENT] unexpected client state: %d", client.state)
		return ErrInvalidState
	}
	if len(identity.Token) > coap.MaxTokenLength {
		log.Error("[CLIENT] invalid token size (must be <= 8)")
		return coap.ErrTokenTooLong
	}

	out.setupMtu(sock)
	if err := out.setupMsg(identity, details, nil); err != nil {
		client.reset()
		out.reset()
		return err
	}

	client.lastRequestIdentity = identity
	client.state = clientHasRequestHeader
	return nil
}

func (client *clientStream) tokenMatches(msg coap.Message) bool {
	return msg.Token() == client.lastRequestIdentity.Token
}

func (client *clientStream) requestSentProcessResponse(msg coap.Message) int {
	switch msg.Type() {
	case coap.TypeReset:
		log.Debug("[CLIENT] Reset response")
		return checkReset

	case coap.TypeAcknowledgement:
		if msg.Code() == coap.CodeEmpty {
			log.Debug("[CLIENT] Separate Response: ACK")
			// request ACKed, response comes in a separate message
			client.state = clientHasSeparateAck
			return checkOK
		}
		if !client.tokenMatches(msg) {
			log.Debug("[CLIENT] invalid response: token mismatch")
			return checkInvalidResponse
		}
		client.state = clientHasResponseContent
		return checkOK

	case coap.TypeNonConfirmable:
		if !msg.IsResponse() || !client.tokenMatches(msg) {
			log.Debug("[CLIENT] invalid response: unexpected non-confirmable")
			return checkInvalidResponse
		}
		client.state = clientHasResponseContent
		return checkOK

	default:
		log.Debug("[CLIENT] invalid response: unexpected message")
		return checkInvalidResponse
	}
}

func (client *clientStream) processSeparateResponse(msg coap.Message) int {
	switch msg.Type() {
	case coap.TypeConfirmable:
		if !client.tokenMatches(msg) {
			log.Debug("[CLIENT] invalid response: token mismatch")
			return checkInvalidResponse
		}
		client.state = clientHasResponseContent
		return checkNeedsAck
	case coap.TypeNonConfirmable:
		if !msg.IsResponse() || !client.tokenMatches(msg) {
			return checkInvalidResponse
		}
		client.state = clientHasResponseContent
		return checkOK
	default:
		log.Debugf("[CLIENT] unexpected message of type %v", msg.Type())
		return checkInvalidResponse
	}
}

func (client *clientStream) checkResponse(msg coap.Message) int {
	switch client.state {
	case clientRequestSent:
		if msg.MessageID() != client.lastRequestIdentity.MsgID {
			// this may still be a Separate Response if the Separate ACK
			// got lost
			return client.processSeparateResponse(msg)
		}
		return client.requestSentProcessResponse(msg)
	case clientHasSeparateAck:
		return client.processSeparateResponse(msg)
	default:
		log.Error("[CLIENT] invalid response")
		return checkInvalidResponse
	}
}

func (client *clientStream) processReceived(msg coap.Message) (int, bool, coap.Code) {
	result := client.checkResponse(msg)
	if result == checkInvalidResponse {
		// unexpected confirmable requests get 5.03 so the sender backs off;
		// other confirmables are Reset by the receive loop
		if msg.Type() == coap.TypeConfirmable && msg.IsRequest() {
			return result, true, coap.CodeServiceUnavailable
		}
		return result, true, 0
	}
	return result, false, 0
}

func (client *clientStream) acceptResponseWithTimeout(in *inputBuffer,
	sock *coap.Socket, timeout time.Duration) error {

	remaining := timeout
	result, err := recvMsgWithTimeout(sock, in, &remaining, client.processReceived)
	if err != nil {
		return err
	}

	switch result {
	case checkReset:
		return ErrReceiveReset
	case checkNeedsAck:
		log.Trace("[CLIENT] Separate Response received; sending ACK")
		sendEmpty(sock, coap.TypeAcknowledgement, in.message().MessageID())
		return nil
	case checkOK:
		return nil
	default:
		return ErrInvalidState
	}
}

func (client *clientStream) sendConfirmableWithRetry(in *inputBuffer,
	sock *coap.Socket, msg coap.Message, rng *rand.Rand, collector *stats.Collector) error {

	params := sock.TxParams()
	retry := coap.RetryState{}
	var err error
	for {
		retry.Update(params, rng)
		if retry.RetryCount > 0 {
			collector.IncRetransmissions()
		}

		if err = sock.Send(msg); err != nil {
			log.Debug("[CLIENT] send failed")
			break
		}
		client.state = clientRequestSent

		err = client.acceptResponseWithTimeout(in, sock, retry.RecvTimeout)
		if err != coap.ErrTimeout {
			break
		}
		if retry.RetryCount >= params.MaxRetransmit {
			break
		}
		log.Debugf("[CLIENT] timeout reached, next: %v", retry.RecvTimeout*2)
	}

	if err != nil {
		client.state = clientHasRequestHeader
	}
	return err
}

func (client *clientStream) finishRequest(in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, rng *rand.Rand, collector *stats.Collector) error {

	if client.state != clientHasRequestHeader {
		log.Tracef("[CLIENT] unexpected client state: %d", client.state)
		return ErrInvalidState
	}

	if client.blockCtx != nil {
		err := client.blockCtx.finish()
		if err == nil {
			// a block-wise request finishes with the response to its last
			// block already received
			client.state = clientHasResponseContent
		}
		return err
	}

	if out.isReset() {
		// an aborted block transfer already consumed the pending message
		return ErrInvalidState
	}
	msg := out.buildMsg()
	if msg.Type() == coap.TypeConfirmable {
		return client.sendConfirmableWithRetry(in, sock, msg, rng, collector)
	}

	if err := sock.Send(msg); err != nil {
		return err
	}
	client.state = clientRequestSent
	return nil
}

func (client *clientStream) getOrReceiveMsg(in *inputBuffer, sock *coap.Socket) error {
	switch client.state {
	case clientHasResponseContent:
		return nil
	case clientHasSeparateAck, clientRequestSent:
		return client.acceptResponseWithTimeout(in, sock, separateResponseTimeout)
	default:
		log.Tracef("[CLIENT] unexpected client state: %d", client.state)
		return ErrInvalidState
	}
}

func (client *clientStream) read(in *inputBuffer, sock *coap.Socket, dst []byte) (int, bool, error) {
	if err := client.getOrReceiveMsg(in, sock); err != nil {
		return 0, false, err
	}
	n, finished := in.read(dst)
	return n, finished, nil
}

func (client *clientStream) blockWrite(in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, idSource coap.IdentitySource, rng *rand.Rand,
	collector *stats.Collector, data []byte) error {

	if client.blockCtx == nil {
		ctx, err := newBlockRequest(coap.MaxBlockSize, in, out, sock, idSource, rng, collector)
		if err != nil {
			return err
		}
		client.blockCtx = ctx
	}
	if err := client.blockCtx.write(data); err != nil {
		client.blockCtx = nil
		return err
	}
	return nil
}

func (client *clientStream) write(in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, idSource coap.IdentitySource, rng *rand.Rand,
	collector *stats.Collector, data []byte) error {

	if client.blockCtx == nil && out.isReset() {
		log.Error("[CLIENT] write called without a request set up")
		return ErrInvalidState
	}

	bytesWritten := 0
	if client.blockCtx == nil {
		bytesWritten = out.write(data)
		if bytesWritten == len(data) {
			return nil
		}
		log.Trace("[CLIENT] request payload does not fit in the buffer - initiating block-wise transfer")
	}

	return client.blockWrite(in, out, sock, idSource, rng, collector, data[bytesWritten:])
}
