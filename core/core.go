// Package core holds the datamap's declarative types (Entry, UnitConfig)
// and the planner's output (Select): the small set of plain value types
// datamap, executor and scheduler are built from.
package core

import (
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
)

// Method distinguishes a read request from a write request.
type Method uint8

const (
	Read Method = iota + 1
	Write
)

// Priority orders tasks in the executor's queue; higher values run first.
type Priority uint8

const (
	Low    Priority = 1
	Normal Priority = 3
	High   Priority = 5
)

// Entry is one declared row of the datamap.
type Entry struct {
	Key     regkey.Key
	Unit    uint
	Scope   regkey.Scope
	Address uint
	Bit     uint
	Type    regcodec.Type
	Scale   uint // 0-3, integer register types only
	Freq    uint // 0-60, requests per round; 0 means unwatched
}

// UnitConfig declares the per-unit wire constraints and encoding options.
type UnitConfig struct {
	Address         uint
	MaxRequestSize  uint // in registers or bits, >= 1
	ForceWriteMany  bool
	BigEndian       bool
	SwapWords       bool
	RequestWithGaps bool
}

// DefaultUnitConfig is used when an entry references a unit that was never declared.
func DefaultUnitConfig(address uint) UnitConfig {
	return UnitConfig{
		Address:        address,
		MaxRequestSize: 125,
	}
}

// Select is one planner-produced group of entries fit for a single wire request.
type Select struct {
	Method         Method
	Unit           uint
	Scope          regkey.Scope
	Entries        []Entry
	BigEndian      bool
	SwapWords      bool
	ForceWriteMany bool
}

// Anchor returns the lowest address in the select (the entries are sorted).
func (s Select) Anchor() uint {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[0].Address
}

// Span returns the total register/bit count the select covers, end to end.
func (s Select) Span() uint {
	if len(s.Entries) == 0 {
		return 0
	}
	last := s.Entries[len(s.Entries)-1]
	count := uint(regcodec.RegisterCount(last.Type))
	if s.Scope.IsBitScope() {
		count = 1
	}
	return last.Address + count - s.Anchor()
}
