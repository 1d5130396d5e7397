// Package genome holds the fixed-width genome codec and the helpers that
// create and validate genomes against a topology.
package genome

import (
	"encoding/binary"
	"math"

	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

const (
	// FormatVersion is bumped whenever the buffer layout changes.
	FormatVersion = 1

	magic0 = 'G'
	magic1 = 'N'

	fixedHeaderLen = 14
	paramCountLen  = 4
	paramWidth     = 2
)

// EncodedLen returns the buffer size for a genome of the given topology.
func EncodedLen(topo model.Topology) int {
	return fixedHeaderLen + 2*len(topo.Layers) + paramCountLen + paramWidth*topo.ParamCount()
}

// Encode writes g into the fixed-width buffer format:
//
//	"GN" | version u8 | frac bits u8 | layer count u8 | reserved u8 | id u64 |
//	layer sizes u16... | param count u32 | params i16...
//
// All multi-byte fields are big-endian.
func Encode(g model.Genome) ([]byte, error) {
	if err := g.Topology.Validate(); err != nil {
		return nil, headerError("invalid topology: %v", err)
	}
	if len(g.Topology.Layers) > math.MaxUint8 {
		return nil, headerError("layer count %d exceeds %d", len(g.Topology.Layers), math.MaxUint8)
	}
	for i, size := range g.Topology.Layers {
		if size > math.MaxUint16 {
			return nil, headerError("layer %d size %d exceeds %d", i, size, math.MaxUint16)
		}
	}
	if err := Validate(g, g.Topology); err != nil {
		return nil, err
	}

	buf := make([]byte, EncodedLen(g.Topology))
	buf[0], buf[1] = magic0, magic1
	buf[2] = FormatVersion
	buf[3] = fixed.FracBits
	buf[4] = byte(len(g.Topology.Layers))
	binary.BigEndian.PutUint64(buf[6:14], uint64(g.ID))

	off := fixedHeaderLen
	for _, size := range g.Topology.Layers {
		binary.BigEndian.PutUint16(buf[off:], uint16(size))
		off += 2
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(len(g.Params)))
	off += paramCountLen
	for _, p := range g.Params {
		binary.BigEndian.PutUint16(buf[off:], uint16(p.Raw()))
		off += paramWidth
	}
	return buf, nil
}

// ReadTopology parses only the buffer header.
func ReadTopology(buf []byte) (model.Topology, error) {
	topo, _, err := readHeader(buf)
	return topo, err
}

// Decode parses a buffer produced by Encode and checks it against the
// declared topology.
func Decode(buf []byte, topo model.Topology) (model.Genome, error) {
	got, id, err := readHeader(buf)
	if err != nil {
		return model.Genome{}, err
	}
	if !got.Equal(topo) {
		return model.Genome{}, &TopologyMismatchError{Want: topo, Got: got, Detail: "buffer header"}
	}

	off := fixedHeaderLen + 2*len(got.Layers)
	count := int(binary.BigEndian.Uint32(buf[off:]))
	off += paramCountLen
	if count != topo.ParamCount() {
		return model.Genome{}, headerError("param count %d does not match topology %s (%d)", count, topo, topo.ParamCount())
	}
	if want := off + paramWidth*count; len(buf) != want {
		return model.Genome{}, headerError("buffer length %d, want %d", len(buf), want)
	}

	params := make([]fixed.Q, count)
	for i := range params {
		params[i] = fixed.FromRaw(int16(binary.BigEndian.Uint16(buf[off:])))
		off += paramWidth
	}
	return model.Genome{ID: id, Topology: got, Params: params}, nil
}

// DecodeAny decodes a buffer using the topology stored in its own header.
func DecodeAny(buf []byte) (model.Genome, error) {
	topo, err := ReadTopology(buf)
	if err != nil {
		return model.Genome{}, err
	}
	return Decode(buf, topo)
}

func readHeader(buf []byte) (model.Topology, model.GenomeID, error) {
	if len(buf) < fixedHeaderLen {
		return model.Topology{}, 0, headerError("buffer too short: %d bytes", len(buf))
	}
	if buf[0] != magic0 || buf[1] != magic1 {
		return model.Topology{}, 0, headerError("bad magic %q", buf[0:2])
	}
	if buf[2] != FormatVersion {
		return model.Topology{}, 0, headerError("unsupported format version %d", buf[2])
	}
	if buf[3] != fixed.FracBits {
		return model.Topology{}, 0, headerError("fraction bits %d, want %d", buf[3], fixed.FracBits)
	}
	layerCount := int(buf[4])
	id := model.GenomeID(binary.BigEndian.Uint64(buf[6:14]))
	if len(buf) < fixedHeaderLen+2*layerCount+paramCountLen {
		return model.Topology{}, 0, headerError("buffer too short for %d layers", layerCount)
	}
	layers := make([]int, layerCount)
	off := fixedHeaderLen
	for i := range layers {
		layers[i] = int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	}
	topo := model.Topology{Layers: layers}
	if err := topo.Validate(); err != nil {
		return model.Topology{}, 0, headerError("invalid topology in header: %v", err)
	}
	return topo, id, nil
}

// Validate checks that g has exactly the parameters topo requires.
func Validate(g model.Genome, topo model.Topology) error {
	if !g.Topology.Equal(topo) {
		return &TopologyMismatchError{Want: topo, Got: g.Topology}
	}
	if len(g.Params) != topo.ParamCount() {
		return &TopologyMismatchError{
			Want:   topo,
			Got:    g.Topology,
			Detail: "genome has the wrong number of parameters",
		}
	}
	return nil
}

// FromFloats quantises float parameters. Values outside the representable
// range are rejected rather than saturated.
func FromFloats(id model.GenomeID, topo model.Topology, values []float64) (model.Genome, error) {
	if len(values) != topo.ParamCount() {
		return model.Genome{}, &TopologyMismatchError{Want: topo, Got: topo, Detail: "float parameter count"}
	}
	params := make([]fixed.Q, len(values))
	for i, v := range values {
		q, ok := fixed.FromFloat(v)
		if !ok {
			return model.Genome{}, &EncodingError{Reason: "outside fixed-point range", Index: i, Value: v}
		}
		params[i] = q
	}
	return model.Genome{ID: id, Topology: model.NewTopology(topo.Layers...), Params: params}, nil
}
