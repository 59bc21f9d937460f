// Package matrix holds the ordered manufacturer → printer → overlay build
// matrix and loads it from per-manufacturer INI files.
package matrix

import (
	"sort"
	"strings"

	"github.com/marlinbuild/builder/internal/models"
)

// Printer is one printer section of a manufacturer file
type Printer struct {
	Name    string         `json:"name"`
	Overlay models.Overlay `json:"overlay"`
}

// Manufacturer groups printers in display order
type Manufacturer struct {
	Name     string    `json:"name"`
	Printers []Printer `json:"printers"`
}

// Matrix is the ordered build matrix. Manufacturers and printers are sorted
// case-insensitively, which is also the published page order.
type Matrix struct {
	Manufacturers []Manufacturer `json:"manufacturers"`
}

// New builds a matrix from raw manufacturer → printer → key/value sections
func New(raw map[string]map[string]map[string]string) *Matrix {
	m := &Matrix{}
	for name, printers := range raw {
		manu := Manufacturer{Name: name}
		for printer, section := range printers {
			manu.Printers = append(manu.Printers, Printer{
				Name:    printer,
				Overlay: models.NewOverlay(section),
			})
		}
		sort.Slice(manu.Printers, func(i, j int) bool {
			return lessFold(manu.Printers[i].Name, manu.Printers[j].Name)
		})
		m.Manufacturers = append(m.Manufacturers, manu)
	}
	sort.Slice(m.Manufacturers, func(i, j int) bool {
		return lessFold(m.Manufacturers[i].Name, m.Manufacturers[j].Name)
	})
	return m
}

// lessFold orders case-insensitively and breaks ties on the exact name
func lessFold(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// Targets flattens the matrix in iteration order
func (m *Matrix) Targets() []models.Target {
	var targets []models.Target
	for _, manu := range m.Manufacturers {
		for _, p := range manu.Printers {
			targets = append(targets, models.Target{
				Manufacturer: manu.Name,
				Printer:      p.Name,
				Overlay:      p.Overlay,
			})
		}
	}
	return targets
}

// Len returns the number of targets
func (m *Matrix) Len() int {
	n := 0
	for _, manu := range m.Manufacturers {
		n += len(manu.Printers)
	}
	return n
}

// Filter restricts a run to one manufacturer and/or printer. Matching is
// case-insensitive and an empty field matches everything.
type Filter struct {
	Manufacturer string
	Printer      string
}

// Match reports whether the target passes the filter
func (f Filter) Match(t models.Target) bool {
	if f.Manufacturer != "" && !strings.EqualFold(f.Manufacturer, t.Manufacturer) {
		return false
	}
	if f.Printer != "" && !strings.EqualFold(f.Printer, t.Printer) {
		return false
	}
	return true
}

// Empty reports whether the filter lets every target through
func (f Filter) Empty() bool {
	return f.Manufacturer == "" && f.Printer == ""
}
