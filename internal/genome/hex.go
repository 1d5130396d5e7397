package genome

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

// WriteHex writes one 16-bit parameter word per line, in parameter order,
// as four lowercase hex digits. The output is suitable for a memory
// initialisation file.
func WriteHex(w io.Writer, g model.Genome) error {
	bw := bufio.NewWriter(w)
	for _, p := range g.Params {
		if _, err := fmt.Fprintf(bw, "%04x\n", uint16(p.Raw())); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadHex parses the output of WriteHex into a genome for topo.
func ReadHex(r io.Reader, id model.GenomeID, topo model.Topology) (model.Genome, error) {
	params := make([]fixed.Q, 0, topo.ParamCount())
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		word, err := strconv.ParseUint(text, 16, 16)
		if err != nil {
			return model.Genome{}, headerError("hex line %d: %v", line, err)
		}
		params = append(params, fixed.FromRaw(int16(uint16(word))))
	}
	if err := scanner.Err(); err != nil {
		return model.Genome{}, fmt.Errorf("read hex: %w", err)
	}
	g := model.Genome{ID: id, Topology: model.NewTopology(topo.Layers...), Params: params}
	if err := Validate(g, topo); err != nil {
		return model.Genome{}, err
	}
	return g, nil
}
