package apk

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"io"
	"strconv"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// element is one start tag with attributes keyed by local name.
type element struct {
	name  string
	attrs map[string]string
}

const (
	chunkStringPool   = 0x0001
	chunkXML          = 0x0003
	chunkResourceMap  = 0x0180
	chunkStartElement = 0x0102

	flagUTF8 = 1 << 8
	noIndex  = 0xffffffff

	typeString  = 0x03
	typeIntDec  = 0x10
	typeIntHex  = 0x11
	typeBoolean = 0x12
)

// well-known android attribute ids for pools that strip attribute names
var androidAttrNames = map[uint32]string{
	0x01010003: "name",
	0x01010011: "process",
	0x01010021: "targetPackage",
}

// decodeManifest accepts compiled (binary) or plain text manifests.
func decodeManifest(data []byte) ([]element, error) {
	if len(data) >= 8 && binary.LittleEndian.Uint16(data) == chunkXML {
		return decodeBinaryXML(data)
	}
	return decodeTextXML(data)
}

func decodeTextXML(data []byte) ([]element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode manifest xml")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		el := element{name: start.Name.Local, attrs: make(map[string]string, len(start.Attr))}
		for _, a := range start.Attr {
			el.attrs[a.Name.Local] = a.Value
		}
		out = append(out, el)
	}
	if len(out) == 0 {
		return nil, errors.New("manifest has no elements")
	}
	return out, nil
}

func decodeBinaryXML(data []byte) ([]element, error) {
	headerSize := int(binary.LittleEndian.Uint16(data[2:]))
	if headerSize < 8 || headerSize > len(data) {
		return nil, errors.Errorf("axml: bad file header size %d", headerSize)
	}
	total := int(binary.LittleEndian.Uint32(data[4:]))
	if total > len(data) {
		total = len(data)
	}
	var (
		pool   []string
		resIDs []uint32
		out    []element
	)
	for off := headerSize; off+8 <= total; {
		typ := binary.LittleEndian.Uint16(data[off:])
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		if size < 8 || off+size > total {
			return nil, errors.Errorf("axml: bad chunk size %d at %d", size, off)
		}
		chunk := data[off : off+size]
		switch typ {
		case chunkStringPool:
			p, err := parseStringPool(chunk)
			if err != nil {
				return nil, err
			}
			pool = p
		case chunkResourceMap:
			hdr := int(binary.LittleEndian.Uint16(chunk[2:]))
			if hdr < 8 || hdr > len(chunk) {
				return nil, errors.Errorf("axml: bad resource map header size %d", hdr)
			}
			for i := hdr; i+4 <= len(chunk); i += 4 {
				resIDs = append(resIDs, binary.LittleEndian.Uint32(chunk[i:]))
			}
		case chunkStartElement:
			el, err := parseStartElement(chunk, pool, resIDs)
			if err != nil {
				return nil, err
			}
			out = append(out, el)
		}
		off += size
	}
	if len(out) == 0 {
		return nil, errors.New("axml: no elements")
	}
	return out, nil
}

func parseStringPool(chunk []byte) ([]string, error) {
	if len(chunk) < 28 {
		return nil, errors.New("axml: short string pool")
	}
	hdr := int(binary.LittleEndian.Uint16(chunk[2:]))
	count := int(binary.LittleEndian.Uint32(chunk[8:]))
	flags := binary.LittleEndian.Uint32(chunk[16:])
	stringsStart := int(binary.LittleEndian.Uint32(chunk[20:]))
	if hdr < 28 || hdr+count*4 > len(chunk) || stringsStart > len(chunk) {
		return nil, errors.New("axml: string pool out of range")
	}
	out := make([]string, count)
	for i := 0; i < count; i++ {
		off := stringsStart + int(binary.LittleEndian.Uint32(chunk[hdr+i*4:]))
		if off >= len(chunk) {
			return nil, errors.Errorf("axml: string %d out of range", i)
		}
		if flags&flagUTF8 != 0 {
			out[i] = readUTF8(chunk[off:])
		} else {
			out[i] = readUTF16(chunk[off:])
		}
	}
	return out, nil
}

func readUTF8(b []byte) string {
	_, n := utf8Len(b)
	b = b[n:]
	size, n := utf8Len(b)
	b = b[n:]
	if size > len(b) {
		size = len(b)
	}
	return string(b[:size])
}

func utf8Len(b []byte) (int, int) {
	if len(b) == 0 {
		return 0, 0
	}
	if b[0]&0x80 != 0 && len(b) > 1 {
		return int(b[0]&0x7f)<<8 | int(b[1]), 2
	}
	return int(b[0]), 1
}

func readUTF16(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	size := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if size&0x8000 != 0 && len(b) >= 2 {
		size = (size&0x7fff)<<16 | int(binary.LittleEndian.Uint16(b))
		b = b[2:]
	}
	if size*2 > len(b) {
		size = len(b) / 2
	}
	units := make([]uint16, size)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

func parseStartElement(chunk []byte, pool []string, resIDs []uint32) (element, error) {
	if len(chunk) < 36 {
		return element{}, errors.New("axml: short start element")
	}
	hdr := int(binary.LittleEndian.Uint16(chunk[2:]))
	if hdr < 16 || hdr > len(chunk) {
		return element{}, errors.New("axml: bad element header")
	}
	ext := chunk[hdr:]
	if len(ext) < 20 {
		return element{}, errors.New("axml: short element body")
	}
	el := element{
		name:  poolString(pool, binary.LittleEndian.Uint32(ext[4:])),
		attrs: make(map[string]string),
	}
	attrStart := int(binary.LittleEndian.Uint16(ext[8:]))
	attrSize := int(binary.LittleEndian.Uint16(ext[10:]))
	attrCount := int(binary.LittleEndian.Uint16(ext[12:]))
	if attrSize == 0 {
		attrSize = 20
	}
	for i := 0; i < attrCount; i++ {
		a := attrStart + i*attrSize
		if a+20 > len(ext) {
			return element{}, errors.New("axml: attribute out of range")
		}
		nameIdx := binary.LittleEndian.Uint32(ext[a+4:])
		name := poolString(pool, nameIdx)
		if name == "" && int(nameIdx) < len(resIDs) {
			name = androidAttrNames[resIDs[nameIdx]]
		}
		if name == "" {
			continue
		}
		raw := binary.LittleEndian.Uint32(ext[a+8:])
		dataType := ext[a+15]
		value := binary.LittleEndian.Uint32(ext[a+16:])
		el.attrs[name] = attrValue(pool, raw, dataType, value)
	}
	return el, nil
}

func attrValue(pool []string, raw uint32, dataType byte, value uint32) string {
	if raw != noIndex {
		return poolString(pool, raw)
	}
	switch dataType {
	case typeString:
		return poolString(pool, value)
	case typeBoolean:
		return strconv.FormatBool(value != 0)
	case typeIntHex:
		return "0x" + strconv.FormatUint(uint64(value), 16)
	case typeIntDec:
		return strconv.FormatInt(int64(int32(value)), 10)
	}
	return strconv.FormatUint(uint64(value), 10)
}

func poolString(pool []string, idx uint32) string {
	if idx == noIndex || int(idx) >= len(pool) {
		return ""
	}
	return pool[idx]
}
