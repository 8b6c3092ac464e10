// Package partition decodes the on-flash structures of an ESP-IDF image:
// the partition table, application images, OTA selection data and NVS page
// headers.
package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	entrySize  = 32
	entryMagic = 0x50AA
	md5Magic   = 0xEBEB
	endMagic   = 0xFFFF
)

// Partition types
const (
	TypeApp  = 0x00
	TypeData = 0x01
)

// Partition subtypes
const (
	SubtypeFactory = 0x00
	SubtypeOTA0    = 0x10
	SubtypeOTAMax  = 0x1F
	SubtypeTest    = 0x20

	SubtypeOTAData = 0x00
	SubtypePHY     = 0x01
	SubtypeNVS     = 0x02
)

// ErrInvalidTable is returned when the partition table cannot be decoded.
var ErrInvalidTable = errors.New("invalid partition table")

// Partition is one partition table entry.
type Partition struct {
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Label   string
	Flags   uint32
}

// IsOTA reports whether p is an OTA application slot.
func (p Partition) IsOTA() bool {
	return p.Type == TypeApp && p.Subtype >= SubtypeOTA0 && p.Subtype <= SubtypeOTAMax
}

// Table is a decoded partition table in flash order.
type Table []Partition

type rawEntry struct {
	Magic   uint16
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Label   [16]byte
	Flags   uint32
}

// ParseTable decodes a partition table. Decoding stops at the end marker or
// the MD5 entry.
func ParseTable(data []byte) (Table, error) {
	var table Table
	for off := 0; off+entrySize <= len(data); off += entrySize {
		var e rawEntry
		if err := binary.Read(bytes.NewReader(data[off:off+entrySize]), binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("%w: entry at 0x%X: %v", ErrInvalidTable, off, err)
		}

		switch e.Magic {
		case entryMagic:
			table = append(table, Partition{
				Type:    e.Type,
				Subtype: e.Subtype,
				Offset:  e.Offset,
				Size:    e.Size,
				Label:   string(bytes.TrimRight(e.Label[:], "\x00")),
				Flags:   e.Flags,
			})
		case md5Magic, endMagic:
			if len(table) == 0 {
				return nil, fmt.Errorf("%w: no entries", ErrInvalidTable)
			}
			return table, nil
		default:
			return nil, fmt.Errorf("%w: bad magic 0x%04X at 0x%X", ErrInvalidTable, e.Magic, off)
		}
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidTable)
	}
	return table, nil
}

// First returns the first entry in flash order.
func (t Table) First() (Partition, bool) {
	if len(t) == 0 {
		return Partition{}, false
	}
	return t[0], true
}

// Find returns the first partition with the given type and subtype.
func (t Table) Find(typ, subtype uint8) (Partition, bool) {
	for _, p := range t {
		if p.Type == typ && p.Subtype == subtype {
			return p, true
		}
	}
	return Partition{}, false
}

// ByLabel returns the partition with the given label.
func (t Table) ByLabel(label string) (Partition, bool) {
	for _, p := range t {
		if p.Label == label {
			return p, true
		}
	}
	return Partition{}, false
}

// OTASlots returns the OTA application partitions ordered by slot number.
func (t Table) OTASlots() []Partition {
	var slots []Partition
	for sub := uint8(SubtypeOTA0); sub <= SubtypeOTAMax; sub++ {
		if p, ok := t.Find(TypeApp, sub); ok {
			slots = append(slots, p)
		}
	}
	return slots
}

// FirstApp returns the first application partition in flash order.
func (t Table) FirstApp() (Partition, bool) {
	for _, p := range t {
		if p.Type == TypeApp {
			return p, true
		}
	}
	return Partition{}, false
}
