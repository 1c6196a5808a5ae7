package coap

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Endpoint identifies a remote peer by its address and port strings
type Endpoint struct {
	Addr string
	Port string
}

type endpointRecord struct {
	endpoint Endpoint
	refcount int
}

// accounts for the per-entry bookkeeping so the byte budget roughly matches
// what the stored entries actually occupy
const cacheEntryOverhead = 16

type cacheEntry struct {
	endpoint *endpointRecord
	expires  time.Time
	msg      []byte
}

func (e *cacheEntry) size() int {
	return cacheEntryOverhead + len(e.msg)
}

// ResponseCache is a fixed-byte-budget FIFO of (endpoint, message id) ->
// serialized response. Entries expire after EXCHANGE_LIFETIME and are
// evicted oldest-first under space pressure. Endpoint records are shared
// between entries for the same peer and freed when their refcount drops to
// zero.
type ResponseCache struct {
	capacity  int
	used      int
	entries   []*cacheEntry
	endpoints map[Endpoint]*endpointRecord

	// overridable for tests
	now func() time.Time
}

// NewResponseCache creates a cache with the given byte capacity. A zero
// capacity yields a nil cache, which disables caching altogether.
func NewResponseCache(capacity int) *ResponseCache {
	if capacity <= 0 {
		return nil
	}
	return &ResponseCache{
		capacity:  capacity,
		endpoints: make(map[Endpoint]*endpointRecord),
		now:       time.Now,
	}
}

func (c *ResponseCache) endpointAddRef(endpoint Endpoint) *endpointRecord {
	record, ok := c.endpoints[endpoint]
	if !ok {
		record = &endpointRecord{endpoint: endpoint}
		c.endpoints[endpoint] = record
		log.Tracef("[CACHE] added endpoint: %s:%s", endpoint.Addr, endpoint.Port)
	}
	record.refcount++
	return record
}

func (c *ResponseCache) endpointDelRef(record *endpointRecord) {
	record.refcount--
	if record.refcount == 0 {
		delete(c.endpoints, record.endpoint)
		log.Tracef("[CACHE] removed endpoint: %s:%s", record.endpoint.Addr, record.endpoint.Port)
	}
}

func (c *ResponseCache) dropFirst(count int) {
	for _, entry := range c.entries[:count] {
		c.used -= entry.size()
		c.endpointDelRef(entry.endpoint)
	}
	c.entries = append(c.entries[:0], c.entries[count:]...)
}

func (c *ResponseCache) dropExpired(now time.Time) {
	expired := 0
	for _, entry := range c.entries {
		if !entry.expires.Before(now) {
			break
		}
		log.Tracef("[CACHE] dropping expired msg (id = %d)", entryMsgID(entry))
		expired++
	}
	c.dropFirst(expired)
}

func (c *ResponseCache) freeBytes(required int) {
	evicted := 0
	free := c.capacity - c.used
	for _, entry := range c.entries {
		if free >= required {
			break
		}
		log.Tracef("[CACHE] dropping msg (id = %d) to make room for a new one (size = %d)",
			entryMsgID(entry), required)
		free += entry.size()
		evicted++
	}
	c.dropFirst(evicted)
}

func entryMsgID(entry *cacheEntry) uint16 {
	msg := Message{raw: entry.msg}
	return msg.MessageID()
}

func (c *ResponseCache) findEntry(endpoint Endpoint, msgID uint16) *cacheEntry {
	for _, entry := range c.entries {
		if entry.endpoint.endpoint == endpoint && entryMsgID(entry) == msgID {
			return entry
		}
	}
	return nil
}

// Add stores a response for later duplicate-triggered retransmission. It
// fails with ErrCacheTooSmall if the message alone exceeds the capacity and
// with ErrCacheDuplicate if an entry for (endpoint, message id) exists.
func (c *ResponseCache) Add(endpoint Endpoint, msg Message, params TransmissionParams) error {
	if c == nil {
		return ErrCacheTooSmall
	}

	required := cacheEntryOverhead + msg.Length()
	if c.capacity < required {
		log.Debugf("[CACHE] not enough space for %d B message", msg.Length())
		return ErrCacheTooSmall
	}

	now := c.now()
	c.dropExpired(now)

	if c.findEntry(endpoint, msg.MessageID()) != nil {
		log.Debugf("[CACHE] message ID %d already in cache", msg.MessageID())
		return ErrCacheDuplicate
	}

	c.freeBytes(required)

	entry := &cacheEntry{
		endpoint: c.endpointAddRef(endpoint),
		expires:  now.Add(params.ExchangeLifetime()),
		msg:      append([]byte(nil), msg.Raw()...),
	}
	c.entries = append(c.entries, entry)
	c.used += entry.size()
	return nil
}

// Get returns the cached response for (endpoint, msgID), or ok == false
func (c *ResponseCache) Get(endpoint Endpoint, msgID uint16) (Message, bool) {
	if c == nil {
		return Message{}, false
	}

	c.dropExpired(c.now())

	entry := c.findEntry(endpoint, msgID)
	if entry == nil {
		return Message{}, false
	}
	log.Tracef("[CACHE] hit (id = %d)", msgID)
	return Message{raw: entry.msg}, true
}
