package imagery

import (
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
)

// TIFF tags carrying georeferencing.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
)

// GeoKey identifiers.
const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedType  = 3072
)

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsPoint  = 2
)

// tiff field types
const (
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

// geoTags is the georeferencing read from the first IFD of a GeoTIFF.
type geoTags struct {
	Width, Height  int
	PixelScale     []float64
	Tiepoint       []float64
	Transformation []float64
	GeoKeys        map[uint16]uint16
}

type ifdEntry struct {
	tag    uint16
	typ    uint16
	count  uint32
	offset uint32
	inline []byte
}

// parseGeoTags reads the georeferencing tags of a classic (non-Big) TIFF.
func parseGeoTags(data []byte) (*geoTags, error) {
	if len(data) < 8 {
		return nil, eris.New("geotiff: file too short")
	}
	var bo binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, eris.New("geotiff: not a tiff file")
	}
	switch bo.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, eris.New("geotiff: BigTIFF is not supported")
	default:
		return nil, eris.New("geotiff: bad tiff magic")
	}

	off := int(bo.Uint32(data[4:8]))
	if off+2 > len(data) {
		return nil, eris.New("geotiff: ifd offset out of range")
	}
	n := int(bo.Uint16(data[off : off+2]))
	if off+2+n*12 > len(data) {
		return nil, eris.New("geotiff: ifd truncated")
	}

	tags := &geoTags{}
	for i := 0; i < n; i++ {
		p := off + 2 + i*12
		e := ifdEntry{
			tag:    bo.Uint16(data[p : p+2]),
			typ:    bo.Uint16(data[p+2 : p+4]),
			count:  bo.Uint32(data[p+4 : p+8]),
			offset: bo.Uint32(data[p+8 : p+12]),
			inline: data[p+8 : p+12],
		}
		var err error
		switch e.tag {
		case tagImageWidth:
			tags.Width, err = readInt(data, bo, e)
		case tagImageLength:
			tags.Height, err = readInt(data, bo, e)
		case tagModelPixelScale:
			tags.PixelScale, err = readDoubles(data, bo, e)
		case tagModelTiepoint:
			tags.Tiepoint, err = readDoubles(data, bo, e)
		case tagModelTransformation:
			tags.Transformation, err = readDoubles(data, bo, e)
		case tagGeoKeyDirectory:
			var shorts []uint16
			shorts, err = readShorts(data, bo, e)
			if err == nil {
				tags.GeoKeys, err = parseKeyDirectory(shorts)
			}
		}
		if err != nil {
			return nil, eris.Wrapf(err, "geotiff: tag %d", e.tag)
		}
	}
	return tags, nil
}

// parseKeyDirectory keeps the SHORT-valued keys stored inline in the directory.
func parseKeyDirectory(dir []uint16) (map[uint16]uint16, error) {
	if len(dir) < 4 {
		return nil, eris.New("key directory header truncated")
	}
	n := int(dir[3])
	if len(dir) < 4+4*n {
		return nil, eris.New("key directory truncated")
	}
	keys := make(map[uint16]uint16, n)
	for i := 0; i < n; i++ {
		k := dir[4+4*i:]
		// k[1] == 0 means the value is held in k[3].
		if k[1] == 0 {
			keys[k[0]] = k[3]
		}
	}
	return keys, nil
}

func entryBytes(data []byte, e ifdEntry, size int) ([]byte, error) {
	total := int(e.count) * size
	if total <= 4 {
		return e.inline[:total], nil
	}
	start := int(e.offset)
	if start < 0 || start+total > len(data) {
		return nil, eris.New("value out of range")
	}
	return data[start : start+total], nil
}

func readInt(data []byte, bo binary.ByteOrder, e ifdEntry) (int, error) {
	if e.count < 1 {
		return 0, eris.New("empty value")
	}
	switch e.typ {
	case typeShort:
		b, err := entryBytes(data, e, 2)
		if err != nil {
			return 0, err
		}
		return int(bo.Uint16(b)), nil
	case typeLong:
		b, err := entryBytes(data, e, 4)
		if err != nil {
			return 0, err
		}
		return int(bo.Uint32(b)), nil
	default:
		return 0, eris.Errorf("unexpected field type %d", e.typ)
	}
}

func readShorts(data []byte, bo binary.ByteOrder, e ifdEntry) ([]uint16, error) {
	if e.typ != typeShort {
		return nil, eris.Errorf("expected SHORT, got type %d", e.typ)
	}
	b, err := entryBytes(data, e, 2)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, e.count)
	for i := range out {
		out[i] = bo.Uint16(b[i*2:])
	}
	return out, nil
}

func readDoubles(data []byte, bo binary.ByteOrder, e ifdEntry) ([]float64, error) {
	if e.typ != typeDouble {
		return nil, eris.Errorf("expected DOUBLE, got type %d", e.typ)
	}
	b, err := entryBytes(data, e, 8)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(bo.Uint64(b[i*8:]))
	}
	return out, nil
}
