package coap

import (
	log "github.com/sirupsen/logrus"
)

// CriticalOptionValidator decides whether a critical option unknown to the
// engine is acceptable for a message with the given code
type CriticalOptionValidator func(code Code, optNumber uint32) bool

func isOptCritical(optNumber uint32) bool {
	return optNumber%2 == 1
}

func isCriticalOptValid(code Code, optNumber uint32, fallback CriticalOptionValidator) bool {
	switch optNumber {
	case uint32(OptBlock1):
		return code == CodePut || code == CodePost
	case uint32(OptBlock2):
		return code == CodeGet || code == CodePut || code == CodePost
	default:
		return fallback(code, optNumber)
	}
}

// ValidateCriticalOptions checks every critical (odd-numbered) option of
// msg: Block1 is accepted on PUT/POST, Block2 on GET/PUT/POST, anything else
// is deferred to the fallback validator. The result aggregates over all
// options - one rejection fails the whole message.
func ValidateCriticalOptions(msg Message, fallback CriticalOptionValidator) error {
	var err error
	for it := msg.OptIterator(); !it.Done(); it.Next() {
		optNumber := it.Number()
		if !isOptCritical(optNumber) {
			continue
		}
		if !isCriticalOptValid(msg.Code(), optNumber, fallback) {
			log.Debugf("[SOCKET] invalid critical option in query %v: %d", msg.Code(), optNumber)
			err = ErrMsgMalformed
		}
	}
	return err
}
