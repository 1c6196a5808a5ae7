package coap

import (
	"time"
)

// Content-Format registry values used by LwM2M payloads
const (
	FormatPlainText     uint16 = 0
	FormatLinkFormat    uint16 = 40
	FormatOpaque        uint16 = 42
	FormatJSON          uint16 = 50
	FormatTLV           uint16 = 11542
	FormatLwM2MJSON     uint16 = 11543
	FormatLegacyOpaque  uint16 = 1541
	FormatLegacyTLV     uint16 = 1542
	FormatLegacyJSON    uint16 = 1543

	// FormatNone means "do not emit a Content-Format option"
	FormatNone uint16 = 0xFFFF
)

// MsgDetails describes one exchange as configured by the upper layer:
// everything needed to build a request or response header short of payload
// and identity.
type MsgDetails struct {
	Type          Type
	Code          Code
	Format        uint16
	ObserveSerial bool
	UriPath       []string
	UriQuery      []string
	LocationPath  []string
}

var monotonicStart = time.Now()

// ObserveTimestamp returns a nearly-linear, strictly monotonic 24-bit value
// with a precision of 32.768 us, wrapping every 512 seconds. Satisfies the
// ordering requirements of OBSERVE 3.4 and 4.4.
func ObserveTimestamp() uint32 {
	elapsed := time.Since(monotonicStart)
	seconds := uint32(elapsed / time.Second)
	nanos := uint32(elapsed % time.Second)
	return (seconds&0x1FF)<<15 | nanos>>15
}

// FillInfo resets info and fills it from the details, the given identity and
// an optional BLOCK option. Option insertion order matches serialization
// requirements: Observe, Location-Path, Uri-Path, Content-Format, Uri-Query,
// then the BLOCK option.
func (d *MsgDetails) FillInfo(id Identity, block *BlockInfo, info *MsgInfo) error {
	info.Reset()
	info.Type = d.Type
	info.Code = d.Code
	info.Identity = id

	if d.ObserveSerial {
		if err := info.AddUint(OptObserve, uint64(ObserveTimestamp())); err != nil {
			return err
		}
	}
	for _, segment := range d.LocationPath {
		if err := info.AddString(OptLocationPath, segment); err != nil {
			return err
		}
	}
	for _, segment := range d.UriPath {
		if err := info.AddString(OptUriPath, segment); err != nil {
			return err
		}
	}
	if err := info.SetContentFormat(d.Format); err != nil {
		return err
	}
	for _, segment := range d.UriQuery {
		if err := info.AddString(OptUriQuery, segment); err != nil {
			return err
		}
	}
	if block != nil && block.Valid {
		return info.AddBlock(*block)
	}
	return nil
}
