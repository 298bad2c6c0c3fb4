package sacn

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// Wire constants for the layered E1.31 PDU stack. Every PDU header is a
// 16-bit big-endian "flags and length" field: the top 4 bits are the
// constant flagsHighNibble, the low 12 bits are the PDU's byte length
// counted from the flags-and-length field itself.
const (
	flagsHighNibble = 0x7
	flagsMask       = 0x0fff

	preamble  = 0x0010
	postamble = 0x0000

	vectorRootData     = 0x00000004
	vectorRootExtended = 0x00000008

	vectorFramingData      = 0x00000002
	vectorFramingDiscovery = 0x00000002 // same wire value; distinguished by root vector
	vectorDMPSetProperty   = 0x02
	vectorUniverseDiscovery = 0x00000001

	dmpAddressTypeAndDataType = 0xa1
	dmpFirstPropertyAddress   = 0x0000
	dmpAddressIncrement       = 0x0001

	maxSourceNameBytes  = 64
	maxDiscoveryPerPage = 512
	maxDiscoveryPages   = 256

	rootHeaderLen           = 38
	dataFramingHeaderLen    = 77
	dmpHeaderLen            = 10
	discoveryFramingHeaderLen = 74
	discoveryLayerHeaderLen   = 8

	// Fixed byte offsets into a Data packet buffer, re-used by both the
	// encoder and the hot-path in-place mutators.
	offPriority     = 108
	offSyncUniverse = 109
	offSequence     = 111
	offOptions      = 112
	offUniverse     = 113
	offDMPStart     = 115
	offPropCount    = 123
	offStartCode    = 125
	offValues       = 126
)

// packetIdentifier is the fixed 12-byte ACN packet identifier
// "ASC-E1.17\0\0\0" carried by every root layer.
var packetIdentifier = [12]byte{
	0x41, 0x53, 0x43, 0x2d, 0x45, 0x31, 0x2e, 0x31, 0x37, 0x00, 0x00, 0x00,
}

// Data framing options bits.
const (
	OptionPreview    = 0x80
	OptionTerminated = 0x40
	OptionForceSync  = 0x20
)

// DataPacket is a decoded Data-framing E1.31 packet (DMX levels or PAP).
type DataPacket struct {
	CID          CID
	SourceName   string
	Priority     uint8
	SyncUniverse uint16
	Sequence     uint8
	Options      uint8
	Universe     uint16
	StartCode    uint8
	Values       []byte // length = property-value count - 1, up to NumSlots
}

func (p *DataPacket) Preview() bool    { return p.Options&OptionPreview != 0 }
func (p *DataPacket) Terminated() bool { return p.Options&OptionTerminated != 0 }
func (p *DataPacket) ForceSync() bool  { return p.Options&OptionForceSync != 0 }

// DiscoveryPacket is a decoded universe-discovery packet: one page of a
// source's sorted universe-number list.
type DiscoveryPacket struct {
	CID        CID
	SourceName string
	Page       uint8
	LastPage   uint8
	Universes  []uint16
}

// Packet is the tagged decode result: exactly one of Data, Discovery is set.
type Packet struct {
	Data      *DataPacket
	Discovery *DiscoveryPacket
}

// truncateSourceName copies s into a 64-byte NUL-padded buffer, cutting
// on a valid UTF-8 rune boundary rather than mid-codepoint when s is
// too long to fit.
func truncateSourceName(buf []byte, s string) {
	if len(s) <= maxSourceNameBytes {
		copy(buf, s)
		return
	}
	n := maxSourceNameBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	// RuneStart(s[n]) true means byte n begins a new rune; back up one
	// more step if that still leaves an incomplete rune at the boundary.
	for n > 0 {
		if utf8.ValidString(s[:n]) {
			break
		}
		n--
	}
	copy(buf, s[:n])
}

func putFlagsLength(buf []byte, off, pduLen int) {
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(flagsHighNibble<<12)|uint16(pduLen&flagsMask))
}

// EncodeDataPacket builds a complete Data-framing packet. values is
// copied; len(values) must be 1..NumSlots (the DMX start code occupies
// slot 0 of the wire payload and is passed separately).
func EncodeDataPacket(cid CID, sourceName string, priority uint8, sequence uint8, options uint8, universe uint16, startCode uint8, values []byte) []byte {
	n := len(values)
	if n > NumSlots {
		n = NumSlots
	}
	pktLen := offValues + n
	buf := make([]byte, pktLen)

	binary.BigEndian.PutUint16(buf[0:2], preamble)
	binary.BigEndian.PutUint16(buf[2:4], postamble)
	copy(buf[4:16], packetIdentifier[:])
	putFlagsLength(buf, 16, pktLen-16)
	binary.BigEndian.PutUint32(buf[18:22], vectorRootData)
	copy(buf[22:38], cid[:])

	putFlagsLength(buf, 38, pktLen-38)
	binary.BigEndian.PutUint32(buf[40:44], vectorFramingData)
	truncateSourceName(buf[44:108], sourceName)
	buf[offPriority] = priority
	binary.BigEndian.PutUint16(buf[offSyncUniverse:offSyncUniverse+2], 0)
	buf[offSequence] = sequence
	buf[offOptions] = options
	binary.BigEndian.PutUint16(buf[offUniverse:offUniverse+2], universe)

	putFlagsLength(buf, offDMPStart, pktLen-offDMPStart)
	buf[offDMPStart+2] = vectorDMPSetProperty
	buf[offDMPStart+3] = dmpAddressTypeAndDataType
	binary.BigEndian.PutUint16(buf[offDMPStart+4:offDMPStart+6], dmpFirstPropertyAddress)
	binary.BigEndian.PutUint16(buf[offDMPStart+6:offDMPStart+8], dmpAddressIncrement)
	binary.BigEndian.PutUint16(buf[offPropCount:offPropCount+2], uint16(n+1))
	buf[offStartCode] = startCode
	copy(buf[offValues:], values[:n])

	return buf
}

// EncodeDiscoveryPacket builds one page of a universe-discovery packet.
// universes is capped at maxDiscoveryPerPage entries.
func EncodeDiscoveryPacket(cid CID, sourceName string, page, lastPage uint8, universes []uint16) []byte {
	n := len(universes)
	if n > maxDiscoveryPerPage {
		n = maxDiscoveryPerPage
	}
	pktLen := 120 + n*2
	buf := make([]byte, pktLen)

	binary.BigEndian.PutUint16(buf[0:2], preamble)
	binary.BigEndian.PutUint16(buf[2:4], postamble)
	copy(buf[4:16], packetIdentifier[:])
	putFlagsLength(buf, 16, pktLen-16)
	binary.BigEndian.PutUint32(buf[18:22], vectorRootExtended)
	copy(buf[22:38], cid[:])

	putFlagsLength(buf, 38, pktLen-38)
	binary.BigEndian.PutUint32(buf[40:44], vectorFramingDiscovery)
	truncateSourceName(buf[44:108], sourceName)
	binary.BigEndian.PutUint32(buf[108:112], 0)

	putFlagsLength(buf, 112, pktLen-112)
	binary.BigEndian.PutUint32(buf[114:118], vectorUniverseDiscovery)
	buf[118] = page
	buf[119] = lastPage
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(buf[120+i*2:122+i*2], universes[i])
	}

	return buf
}

// Decode parses a raw datagram into a tagged Data or Discovery packet,
// validating the root, framing, DMP and universe-discovery layers in
// turn. Decode never panics on short or malformed input; it returns a
// *ParseError instead.
func Decode(data []byte) (*Packet, error) {
	if len(data) < rootHeaderLen {
		return nil, newParseErr(0, "datagram shorter than root layer")
	}
	if binary.BigEndian.Uint16(data[0:2]) != preamble {
		return nil, newParseErr(0, "bad preamble")
	}
	if binary.BigEndian.Uint16(data[2:4]) != postamble {
		return nil, newParseErr(2, "bad postamble")
	}
	if !bytes.Equal(data[4:16], packetIdentifier[:]) {
		return nil, newParseErr(4, "bad packet identifier")
	}

	rootFL := binary.BigEndian.Uint16(data[16:18])
	if rootFL>>12 != flagsHighNibble {
		return nil, newParseErr(16, "bad flags nibble in root layer")
	}
	rootLen := int(rootFL & flagsMask)
	if 16+rootLen > len(data) {
		return nil, newParseErr(16, "root layer length exceeds datagram")
	}

	rootVector := binary.BigEndian.Uint32(data[18:22])
	var cid CID
	copy(cid[:], data[22:38])

	switch rootVector {
	case vectorRootData:
		pkt, err := decodeDataFraming(data, cid)
		if err != nil {
			return nil, err
		}
		return &Packet{Data: pkt}, nil
	case vectorRootExtended:
		pkt, err := decodeDiscoveryFraming(data, cid)
		if err != nil {
			return nil, err
		}
		return &Packet{Discovery: pkt}, nil
	default:
		return nil, newParseErrVal(18, "unknown root vector", rootVector)
	}
}

func decodeDataFraming(data []byte, cid CID) (*DataPacket, error) {
	if len(data) < rootHeaderLen+dataFramingHeaderLen {
		return nil, newParseErr(rootHeaderLen, "datagram shorter than data framing layer")
	}
	framingFL := binary.BigEndian.Uint16(data[38:40])
	if framingFL>>12 != flagsHighNibble {
		return nil, newParseErr(38, "bad flags nibble in framing layer")
	}
	framingVector := binary.BigEndian.Uint32(data[40:44])
	if framingVector != vectorFramingData {
		return nil, newParseErrVal(40, "unknown framing vector", framingVector)
	}

	sourceName := nulTerminatedString(data[44:108])
	priority := data[offPriority]
	if !ValidPriority(priority) {
		return nil, newParseErrVal(offPriority, "invalid priority", uint32(priority))
	}
	syncUniverse := binary.BigEndian.Uint16(data[offSyncUniverse : offSyncUniverse+2])
	sequence := data[offSequence]
	options := data[offOptions]
	universe := binary.BigEndian.Uint16(data[offUniverse : offUniverse+2])
	if !ValidUniverse(universe) {
		return nil, newParseErrVal(offUniverse, "invalid universe", uint32(universe))
	}

	if len(data) < offValues {
		return nil, newParseErr(offDMPStart, "datagram shorter than DMP layer")
	}
	dmpFL := binary.BigEndian.Uint16(data[offDMPStart : offDMPStart+2])
	if dmpFL>>12 != flagsHighNibble {
		return nil, newParseErr(offDMPStart, "bad flags nibble in DMP layer")
	}
	if data[offDMPStart+2] != vectorDMPSetProperty {
		return nil, newParseErrVal(offDMPStart+2, "unknown DMP vector", uint32(data[offDMPStart+2]))
	}

	propCount := binary.BigEndian.Uint16(data[offPropCount : offPropCount+2])
	if propCount < 1 || propCount > NumSlots+1 {
		return nil, newParseErr(offPropCount, "inconsistent property-value count")
	}
	startCode := data[offStartCode]
	if startCode != StartCodeLevels && startCode != StartCodePriority {
		return nil, newParseErrVal(offStartCode, "unrecognized start code", uint32(startCode))
	}
	n := int(propCount) - 1
	if len(data) < offValues+n {
		return nil, newParseErr(offValues, "inconsistent property-value count")
	}

	values := make([]byte, n)
	copy(values, data[offValues:offValues+n])

	return &DataPacket{
		CID:          cid,
		SourceName:   sourceName,
		Priority:     priority,
		SyncUniverse: syncUniverse,
		Sequence:     sequence,
		Options:      options,
		Universe:     universe,
		StartCode:    startCode,
		Values:       values,
	}, nil
}

func decodeDiscoveryFraming(data []byte, cid CID) (*DiscoveryPacket, error) {
	if len(data) < rootHeaderLen+discoveryFramingHeaderLen {
		return nil, newParseErr(rootHeaderLen, "datagram shorter than discovery framing layer")
	}
	framingFL := binary.BigEndian.Uint16(data[38:40])
	if framingFL>>12 != flagsHighNibble {
		return nil, newParseErr(38, "bad flags nibble in framing layer")
	}
	framingVector := binary.BigEndian.Uint32(data[40:44])
	if framingVector != vectorFramingDiscovery {
		return nil, newParseErrVal(40, "unknown framing vector", framingVector)
	}
	sourceName := nulTerminatedString(data[44:108])

	const layerOff = 112
	if len(data) < layerOff+discoveryLayerHeaderLen {
		return nil, newParseErr(layerOff, "datagram shorter than universe-discovery layer")
	}
	layerFL := binary.BigEndian.Uint16(data[layerOff : layerOff+2])
	if layerFL>>12 != flagsHighNibble {
		return nil, newParseErr(layerOff, "bad flags nibble in universe-discovery layer")
	}
	vector := binary.BigEndian.Uint32(data[layerOff+2 : layerOff+6])
	if vector != vectorUniverseDiscovery {
		return nil, newParseErrVal(layerOff+2, "unknown universe-discovery vector", vector)
	}
	page := data[layerOff+6]
	lastPage := data[layerOff+7]

	listOff := layerOff + discoveryLayerHeaderLen
	remaining := len(data) - listOff
	if remaining < 0 || remaining%2 != 0 {
		return nil, newParseErr(listOff, "malformed universe list")
	}
	count := remaining / 2
	if count > maxDiscoveryPerPage {
		return nil, newParseErr(listOff, "malformed universe list: too many entries")
	}

	universes := make([]uint16, count)
	for i := 0; i < count; i++ {
		universes[i] = binary.BigEndian.Uint16(data[listOff+i*2 : listOff+i*2+2])
	}

	return &DiscoveryPacket{
		CID:        cid,
		SourceName: sourceName,
		Page:       page,
		LastPage:   lastPage,
		Universes:  universes,
	}, nil
}

func nulTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DataFrame is a pre-built, mutable Data-packet buffer. The root,
// framing and DMP headers are fixed at construction; Sequence, Options,
// Priority and the value bytes can then be rewritten in place at known
// offsets on every transmit tick without re-serializing the packet.
type DataFrame struct {
	buf []byte
}

// NewDataFrame builds a DataFrame for the given universe and start code,
// with values initialized from the supplied slice (padded/truncated to
// NumSlots bytes for start code 0x00, or left exactly as given for any
// other start code such as PAP).
func NewDataFrame(cid CID, sourceName string, universe uint16, startCode uint8, initial []byte) *DataFrame {
	if startCode == StartCodeLevels && len(initial) < NumSlots {
		padded := make([]byte, NumSlots)
		copy(padded, initial)
		initial = padded
	}
	buf := EncodeDataPacket(cid, sourceName, DefaultPriority, 0, 0, universe, startCode, initial)
	return &DataFrame{buf: buf}
}

func (f *DataFrame) Bytes() []byte { return f.buf }

func (f *DataFrame) SetSequence(seq uint8) { f.buf[offSequence] = seq }
func (f *DataFrame) Sequence() uint8       { return f.buf[offSequence] }

func (f *DataFrame) SetOptions(opts uint8) { f.buf[offOptions] = opts }
func (f *DataFrame) Options() uint8        { return f.buf[offOptions] }

func (f *DataFrame) SetPriority(p uint8) { f.buf[offPriority] = p }
func (f *DataFrame) Priority() uint8     { return f.buf[offPriority] }

// Values returns the mutable slice of value bytes inside the buffer, for
// in-place level/PAP writes.
func (f *DataFrame) Values() []byte {
	return f.buf[offValues:]
}

// SetSourceName rewrites the 64-byte source-name field in place.
func (f *DataFrame) SetSourceName(name string) {
	region := f.buf[44:108]
	for i := range region {
		region[i] = 0
	}
	truncateSourceName(region, name)
}
