// Package datamap holds the registry of declared entries and per-unit
// configuration, and implements the planner (SelectAll/SelectOne) that
// groups an arbitrary batch of keys into the minimal list of wire
// requests each unit can serve in one round trip.
package datamap

import (
	"math"
	"sort"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
)

// Datamap is the immutable, read-only-after-construction registry of entries.
type Datamap struct {
	entries map[regkey.Key]core.Entry
	units   map[uint]core.UnitConfig
	watch   map[uint]map[regkey.Key]struct{}
}

// EntrySpec is the declarative form an Entry is supplied in to New.
type EntrySpec struct {
	Unit    uint
	Scope   regkey.Scope
	Address uint
	Bit     uint
	Type    regcodec.Type
	Scale   uint
	Freq    uint
}

// UnitSpec pairs a unit id with its declared configuration.
type UnitSpec struct {
	Unit   uint
	Config core.UnitConfig
}

// New validates and indexes the given entries and unit configs.
func New(entrySpecs []EntrySpec, unitSpecs []UnitSpec) (*Datamap, error) {
	dm := &Datamap{
		entries: make(map[regkey.Key]core.Entry),
		units:   make(map[uint]core.UnitConfig),
		watch:   make(map[uint]map[regkey.Key]struct{}),
	}

	for _, us := range unitSpecs {
		dm.units[us.Unit] = us.Config
	}

	for _, es := range entrySpecs {
		entry, err := newEntry(es)
		if err != nil {
			return nil, err
		}

		if _, exists := dm.entries[entry.Key]; exists {
			return nil, mdberrors.ErrDuplicateKey
		}

		if _, ok := dm.units[entry.Unit]; !ok {
			dm.units[entry.Unit] = core.DefaultUnitConfig(entry.Unit)
		}

		dm.entries[entry.Key] = entry

		if entry.Freq > 0 {
			if dm.watch[entry.Freq] == nil {
				dm.watch[entry.Freq] = make(map[regkey.Key]struct{})
			}
			dm.watch[entry.Freq][entry.Key] = struct{}{}
		}
	}

	return dm, nil
}

func newEntry(es EntrySpec) (core.Entry, error) {
	if es.Scope.IsBitScope() {
		if es.Type != regcodec.Bit || es.Bit != 0 || es.Scale != 0 {
			return core.Entry{}, mdberrors.ErrInvalidKey
		}
	} else if es.Type != regcodec.Bit && es.Bit != 0 {
		return core.Entry{}, mdberrors.ErrInvalidKey
	}

	if es.Scale > 3 {
		return core.Entry{}, mdberrors.ErrInvalidKey
	}
	if es.Freq > 60 {
		return core.Entry{}, mdberrors.ErrInvalidKey
	}

	key, err := regkey.Pack(es.Unit, es.Scope, es.Address, es.Bit)
	if err != nil {
		return core.Entry{}, err
	}

	return core.Entry{
		Key:     key,
		Unit:    es.Unit,
		Scope:   es.Scope,
		Address: es.Address,
		Bit:     es.Bit,
		Type:    es.Type,
		Scale:   es.Scale,
		Freq:    es.Freq,
	}, nil
}

// Entry looks up a single declared entry by key.
func (dm *Datamap) Entry(key regkey.Key) (core.Entry, bool) {
	e, ok := dm.entries[key]
	return e, ok
}

// UnitConfig looks up a unit's configuration.
func (dm *Datamap) UnitConfig(unit uint) (core.UnitConfig, bool) {
	uc, ok := dm.units[unit]
	return uc, ok
}

// Watched returns the set of keys declared at the given frequency.
func (dm *Datamap) Watched(freq uint) []regkey.Key {
	set := dm.watch[freq]
	if len(set) == 0 {
		return nil
	}

	keys := make([]regkey.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// SelectAll groups keys into the minimal ordered list of wire requests.
func (dm *Datamap) SelectAll(method core.Method, keys []regkey.Key) ([]core.Select, error) {
	if len(keys) == 0 {
		return nil, mdberrors.ErrEmptyKeySet
	}

	entries := make([]core.Entry, 0, len(keys))
	for _, k := range keys {
		e, ok := dm.entries[k]
		if !ok {
			return nil, mdberrors.ErrMissingEntry
		}

		if method == core.Read && !e.Scope.IsReadable() {
			return nil, mdberrors.ErrScopeNotReadable
		}
		if method == core.Write && !e.Scope.IsWritable() {
			return nil, mdberrors.ErrScopeNotWritable
		}

		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	var selects []core.Select
	var group []core.Entry
	var anchor, prev core.Entry

	flush := func() {
		if len(group) == 0 {
			return
		}
		uc := dm.units[group[0].Unit]
		selects = append(selects, core.Select{
			Method:         method,
			Unit:           group[0].Unit,
			Scope:          group[0].Scope,
			Entries:        group,
			BigEndian:      uc.BigEndian,
			SwapWords:      uc.SwapWords,
			ForceWriteMany: uc.ForceWriteMany,
		})
		group = nil
	}

	for _, e := range entries {
		if len(group) == 0 {
			group = []core.Entry{e}
			anchor = e
			prev = e
			continue
		}

		uc := dm.units[anchor.Unit]
		if joins(e, anchor, prev, uc, method) {
			group = append(group, e)
			prev = e
			continue
		}

		flush()
		group = []core.Entry{e}
		anchor = e
		prev = e
	}
	flush()

	return selects, nil
}

func joins(e, anchor, prev core.Entry, uc core.UnitConfig, method core.Method) bool {
	if e.Unit != anchor.Unit || e.Scope != anchor.Scope {
		return false
	}

	maxGap := uint(0)
	if uc.RequestWithGaps && uc.MaxRequestSize > 2 && method == core.Read {
		maxGap = uint(math.Round(float64(uc.MaxRequestSize) * 0.25))
	}

	prevCount := uint(regcodec.RegisterCount(prev.Type))
	if prev.Scope.IsBitScope() {
		prevCount = 1
	}
	gap := int(e.Address) - int(prev.Address) - int(prevCount)
	if gap > int(maxGap) {
		return false
	}

	entryCount := uint(regcodec.RegisterCount(e.Type))
	if e.Scope.IsBitScope() {
		entryCount = 1
	}
	span := (e.Address - anchor.Address) + entryCount
	return span <= uc.MaxRequestSize
}

// SelectOne invokes SelectAll with a single key and asserts exactly one Select results.
func (dm *Datamap) SelectOne(method core.Method, key regkey.Key) (core.Select, error) {
	selects, err := dm.SelectAll(method, []regkey.Key{key})
	if err != nil {
		return core.Select{}, err
	}
	if len(selects) != 1 {
		return core.Select{}, mdberrors.ErrUnexpectedTaskResult
	}
	return selects[0], nil
}
