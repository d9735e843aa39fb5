// Package multichip holds the read-only table of ranging chips available to
// the daemon and answers the controller's default-chip lookup.
package multichip

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/uwbctl/internal/ranging"
)

var (
	ErrNoChips        = errors.New("multichip: no chips configured")
	ErrEmptyChipID    = errors.New("multichip: empty chip id")
	ErrDuplicateChip  = errors.New("multichip: duplicate chip id")
	ErrUnknownDefault = errors.New("multichip: default chip not listed")
)

// Position is the chip's antenna position on the device, in centimeters.
type Position struct {
	X float64 `toml:"x" json:"x"`
	Y float64 `toml:"y" json:"y"`
	Z float64 `toml:"z" json:"z"`
}

// Chip is one configured radio.
type Chip struct {
	ID       string   `toml:"id" json:"id"`
	Position Position `toml:"position" json:"position"`
}

// Data is an immutable chip table. It implements ranging.ChipRouter.
type Data struct {
	chips       []Chip
	index       map[ranging.ChipID]int
	defaultChip ranging.ChipID
}

// New validates chips and returns the table. An empty defaultID selects the
// first chip.
func New(chips []Chip, defaultID string) (*Data, error) {
	if len(chips) == 0 {
		return nil, ErrNoChips
	}
	d := &Data{
		chips: make([]Chip, 0, len(chips)),
		index: make(map[ranging.ChipID]int, len(chips)),
	}
	for i, chip := range chips {
		id := strings.TrimSpace(chip.ID)
		if id == "" {
			return nil, fmt.Errorf("chip[%d]: %w", i, ErrEmptyChipID)
		}
		if _, dup := d.index[ranging.ChipID(id)]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateChip, id)
		}
		chip.ID = id
		d.index[ranging.ChipID(id)] = len(d.chips)
		d.chips = append(d.chips, chip)
	}

	def := strings.TrimSpace(defaultID)
	if def == "" {
		def = d.chips[0].ID
	}
	if _, ok := d.index[ranging.ChipID(def)]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefault, def)
	}
	d.defaultChip = ranging.ChipID(def)
	return d, nil
}

// Single returns a table with one chip that is also the default.
func Single(id string) (*Data, error) {
	return New([]Chip{{ID: id}}, id)
}

func (d *Data) DefaultChipID() ranging.ChipID { return d.defaultChip }

func (d *Data) IsValidChipID(id ranging.ChipID) bool {
	_, ok := d.index[id]
	return ok
}

// ChipIDs returns ids in configuration order.
func (d *Data) ChipIDs() []ranging.ChipID {
	out := make([]ranging.ChipID, len(d.chips))
	for i, chip := range d.chips {
		out[i] = ranging.ChipID(chip.ID)
	}
	return out
}

func (d *Data) Chips() []Chip {
	return append([]Chip(nil), d.chips...)
}

func (d *Data) Chip(id ranging.ChipID) (Chip, bool) {
	i, ok := d.index[id]
	if !ok {
		return Chip{}, false
	}
	return d.chips[i], true
}
