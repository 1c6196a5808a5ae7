package stream

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
)

// Maximum time the client waits for a Separate Response after the empty ACK
const separateResponseTimeout = 30 * time.Second

// recvHandler inspects one received message. waitForNext left true means the
// message is unrelated: it is rejected (Reset for plain confirmables, or the
// response code in errCode) and the receive loop keeps waiting. With
// waitForNext false the loop returns result to the caller.
type recvHandler func(msg coap.Message) (result int, waitForNext bool, errCode coap.Code)

// recvMsgWithTimeout runs the bounded receive loop shared by every waiting
// state of the engine. The timeout is decremented by the elapsed wall time
// across iterations, so the aggregate bound holds even when unrelated
// packets keep arriving. On expiry it returns coap.ErrTimeout and leaves
// *timeout at zero.
func recvMsgWithTimeout(sock *coap.Socket, in *inputBuffer, timeout *time.Duration,
	handle recvHandler) (int, error) {

	originalTimeout := sock.RecvTimeout()
	defer sock.SetRecvTimeout(originalTimeout)

	startTime := time.Now()
	initialTimeout := *timeout

	for *timeout > 0 {
		sock.SetRecvTimeout(*timeout)

		err := in.getNextMessage(sock)
		switch err {
		case coap.ErrTimeout:
			*timeout = 0
			return 0, coap.ErrTimeout
		case nil, coap.ErrMsgMalformed, coap.ErrDuplicate, coap.ErrMsgWasPing:
		default:
			return 0, err
		}

		*timeout = initialTimeout - time.Since(startTime)

		if err != nil {
			continue
		}

		msg := in.message()
		result, waitForNext, errCode := handle(msg)
		if !waitForNext {
			return result, nil
		}

		switch {
		case errCode == 0:
			if msg.Type() == coap.TypeConfirmable {
				sendEmpty(sock, coap.TypeReset, msg.MessageID())
			}
		case errCode == coap.CodeServiceUnavailable:
			sendServiceUnavailable(sock, msg, *timeout)
		default:
			sendError(sock, msg, errCode)
		}
	}

	*timeout = 0
	return 0, coap.ErrTimeout
}

// sendEmpty transmits a 4-byte message: an empty ACK or a Reset
func sendEmpty(sock *coap.Socket, msgType coap.Type, msgID uint16) {
	info := &coap.MsgInfo{Type: msgType, Code: coap.CodeEmpty}
	info.Identity.MsgID = msgID
	msg, err := coap.BuildWithoutPayload(info)
	if err != nil {
		log.Errorf("[STREAM] could not build empty message: %v", err)
		return
	}
	if err := sock.Send(msg); err != nil {
		log.Debugf("[STREAM] could not send empty message: %v", err)
	}
}

// sendErrorFor builds an ACK carrying code that echoes the identity in id
func sendErrorFor(sock *coap.Socket, id coap.Identity, code coap.Code) {
	info := &coap.MsgInfo{Type: coap.TypeAcknowledgement, Code: code, Identity: id}
	msg, err := coap.BuildWithoutPayload(info)
	if err != nil {
		log.Errorf("[STREAM] could not build error response: %v", err)
		return
	}
	if err := sock.Send(msg); err != nil {
		log.Debugf("[STREAM] could not send error response: %v", err)
	}
}

// sendError rejects msg with an ACK carrying the given response code
func sendError(sock *coap.Socket, msg coap.Message, code coap.Code) {
	sendErrorFor(sock, msg.Identity(), code)
}

// sendServiceUnavailable rejects msg with 5.03, advertising the remaining
// wait through the Max-Age option so the sender backs off appropriately
func sendServiceUnavailable(sock *coap.Socket, msg coap.Message, retryAfter time.Duration) {
	info := &coap.MsgInfo{
		Type:     coap.TypeAcknowledgement,
		Code:     coap.CodeServiceUnavailable,
		Identity: msg.Identity(),
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	seconds := uint64(retryAfter / time.Second)
	if err := info.AddUint(coap.OptMaxAge, seconds); err == nil {
		if built, err := coap.BuildWithoutPayload(info); err == nil {
			if err := sock.Send(built); err != nil {
				log.Debugf("[STREAM] could not send 5.03: %v", err)
			}
		}
	}
}

// rejectMessage answers a confirmable message with Reset; others are ignored
func rejectMessage(sock *coap.Socket, msg coap.Message) {
	if msg.Type() == coap.TypeConfirmable {
		sendEmpty(sock, coap.TypeReset, msg.MessageID())
	}
}
