package program

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// ToJSON dumps the program, indented, for inspection.
func (p *Program) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize program %q", p.Name)
	}
	return data, nil
}

// Summary is a compact description of a program.
type Summary struct {
	Name            string         `json:"name"`
	NumCores        int            `json:"num_cores"`
	Kernels         []string       `json:"kernels"`
	CircularBuffers int            `json:"circular_buffers"`
	Semaphores      int            `json:"semaphores"`
	MaxL1Footprint  uint32         `json:"max_l1_footprint"`
	KernelsPerRole  map[string]int `json:"kernels_per_role"`
}

// Summarize returns a Summary of the program.
func (p *Program) Summarize() Summary {
	s := Summary{
		Name:            p.Name,
		CircularBuffers: len(p.CircularBuffers),
		Semaphores:      len(p.Semaphores),
		KernelsPerRole:  make(map[string]int),
	}
	cores := p.Cores()
	s.NumCores = len(cores)
	for _, k := range p.Kernels {
		s.Kernels = append(s.Kernels, k.Name)
		s.KernelsPerRole[k.Role.String()]++
	}
	for _, c := range cores {
		s.MaxL1Footprint = max(s.MaxL1Footprint, p.L1Footprint(c))
	}
	return s
}
