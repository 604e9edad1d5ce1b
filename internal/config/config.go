// Package config loads the target-side static configuration: the list of
// DAQ events and calibration segments an XCP slave exposes, read once at
// startup from an .ini dialect file with gopkg.in/ini.v1 — the same
// library and section/key idiom pkg/od/parser_v1.go uses to parse CiA-301
// EDS files, restated here for XCP's own static description instead of an
// object dictionary.
package config

import (
	"fmt"
	"strconv"

	"golang.org/x/time/rate"
	"gopkg.in/ini.v1"

	"github.com/vectorgrp/xcpslave/calseg"
	"github.com/vectorgrp/xcpslave/daq"
	"github.com/vectorgrp/xcpslave/queue"
)

// EventSpec describes one DAQ event channel, read from an [event "name"]
// section.
type EventSpec struct {
	Name          string
	ID            uint16
	CyclePeriodNS uint32
	MaxDAQ        uint8
	Priority      uint8
}

// SegmentSpec describes one calibration segment, read from a
// [segment "name"] section.
type SegmentSpec struct {
	Name       string
	Size       int
	LazyFree   bool
	Persistent bool
}

// Config is the fully parsed static configuration.
type Config struct {
	EPK      string
	Events   []EventSpec
	Segments []SegmentSpec

	HeaderWidth  daq.HeaderWidth
	MaxLists     int
	MaxODTs      int
	MaxEntries   int
	QueueSize    int
	MaxDTOLength int

	// QueueEfficiencyThreshold is the minimum committed byte count Peek
	// flushes below-capacity segments for, paced to at most
	// QueueEfficiencyMaxHz re-checks per second (spec §4.2's optional
	// "efficiency threshold"). Zero disables pacing: every commit may
	// flush immediately, same as omitting WithEfficiencyThreshold.
	QueueEfficiencyThreshold int
	QueueEfficiencyMaxHz     float64

	// BaseAddress is the process-wide base pointer ABS-addressed MTAs and
	// DAQ entries resolve against, given as a "0x..." literal since a raw
	// address has no natural decimal reading.
	BaseAddress uint32
}

// Load parses file (a path, []byte, or io.Reader — anything
// gopkg.in/ini.v1 accepts) into a Config.
func Load(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("config: load ini: %w", err)
	}

	cfg := &Config{
		HeaderWidth:  daq.HeaderWidth2,
		MaxLists:     8,
		MaxODTs:      32,
		MaxEntries:   256,
		QueueSize:    1 << 16,
		MaxDTOLength: 248,

		QueueEfficiencyThreshold: 0,
		QueueEfficiencyMaxHz:     1000,
	}

	main := f.Section("")
	cfg.EPK = main.Key("EPK").MustString("XCPGOSLAVE")
	if w := main.Key("HeaderWidth").MustInt(2); w == 4 {
		cfg.HeaderWidth = daq.HeaderWidth4
	}
	cfg.MaxLists = main.Key("MaxDAQLists").MustInt(cfg.MaxLists)
	cfg.MaxODTs = main.Key("MaxODTs").MustInt(cfg.MaxODTs)
	cfg.MaxEntries = main.Key("MaxODTEntries").MustInt(cfg.MaxEntries)
	cfg.QueueSize = main.Key("QueueSize").MustInt(cfg.QueueSize)
	cfg.MaxDTOLength = main.Key("MaxDTOLength").MustInt(cfg.MaxDTOLength)
	cfg.QueueEfficiencyThreshold = main.Key("QueueEfficiencyThreshold").MustInt(cfg.QueueEfficiencyThreshold)
	cfg.QueueEfficiencyMaxHz = main.Key("QueueEfficiencyMaxHz").MustFloat64(cfg.QueueEfficiencyMaxHz)
	if base := main.Key("BaseAddress").String(); base != "" {
		addr, err := parseHex(base)
		if err != nil {
			return nil, fmt.Errorf("config: BaseAddress: %w", err)
		}
		cfg.BaseAddress = addr
	}

	for _, section := range f.Sections() {
		name := section.Name()
		switch {
		case len(name) > len("event ") && name[:6] == "event ":
			spec, err := parseEvent(section)
			if err != nil {
				return nil, err
			}
			cfg.Events = append(cfg.Events, spec)
		case len(name) > len("segment ") && name[:8] == "segment ":
			spec, err := parseSegment(section)
			if err != nil {
				return nil, err
			}
			cfg.Segments = append(cfg.Segments, spec)
		}
	}

	return cfg, nil
}

func parseEvent(section *ini.Section) (EventSpec, error) {
	name := unquote(section.Name()[len("event "):])
	id, err := section.Key("ID").Int()
	if err != nil {
		return EventSpec{}, fmt.Errorf("config: event %q missing ID: %w", name, err)
	}
	return EventSpec{
		Name:          name,
		ID:            uint16(id),
		CyclePeriodNS: uint32(section.Key("CyclePeriodNS").MustInt64(0)),
		MaxDAQ:        uint8(section.Key("MaxDAQ").MustInt(1)),
		Priority:      uint8(section.Key("Priority").MustInt(0)),
	}, nil
}

func parseSegment(section *ini.Section) (SegmentSpec, error) {
	name := unquote(section.Name()[len("segment "):])
	size, err := section.Key("Size").Int()
	if err != nil {
		return SegmentSpec{}, fmt.Errorf("config: segment %q missing Size: %w", name, err)
	}
	return SegmentSpec{
		Name:       name,
		Size:       size,
		LazyFree:   section.Key("LazyFree").MustBool(false),
		Persistent: section.Key("Persistent").MustBool(true),
	}, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// BuildRegistry constructs a calseg.Registry from the segment specs,
// each initialized to a zeroed default image of its configured size.
func (c *Config) BuildRegistry() (*calseg.Registry, error) {
	reg := calseg.NewRegistry(c.EPK)
	for _, s := range c.Segments {
		var opts []calseg.Option
		if s.LazyFree {
			opts = append(opts, calseg.WithLazyFree())
		}
		seg := calseg.New(s.Name, make([]byte, s.Size), opts...)
		if _, err := reg.Add(seg); err != nil {
			return nil, fmt.Errorf("config: register segment %q: %w", s.Name, err)
		}
	}
	return reg, nil
}

// BuildQueue constructs the transmit queue sized per QueueSize, pacing
// below-threshold flushes per QueueEfficiencyThreshold/QueueEfficiencyMaxHz
// when configured.
func (c *Config) BuildQueue() *queue.Queue {
	if c.QueueEfficiencyThreshold <= 0 {
		return queue.New(c.QueueSize)
	}
	return queue.New(c.QueueSize, queue.WithEfficiencyThreshold(c.QueueEfficiencyThreshold, rate.Limit(c.QueueEfficiencyMaxHz)))
}

// BuildTable constructs the DAQ arena sized per the configured limits.
func (c *Config) BuildTable() *daq.Table {
	return daq.NewTable(c.HeaderWidth, c.MaxLists, c.MaxODTs, c.MaxEntries)
}

// BuildEventTable constructs the static daq.EventTable exposed through
// GET_DAQ_EVENT_INFO, assigning dense indices in configuration-file order.
func (c *Config) BuildEventTable() *daq.EventTable {
	events := make([]daq.Event, len(c.Events))
	for i, e := range c.Events {
		events[i] = daq.Event{
			ID:       e.ID,
			Index:    uint16(i),
			Name:     e.Name,
			CycleNS:  e.CyclePeriodNS,
			Priority: e.Priority,
			MaxDAQ:   e.MaxDAQ,
		}
	}
	return daq.NewEventTable(events)
}

// EventByID finds the configured event spec with the given id, for
// validating EventID references at startup (e.g. when wiring application
// threads to core.Server.Event).
func (c *Config) EventByID(id uint16) (EventSpec, bool) {
	for _, e := range c.Events {
		if e.ID == id {
			return e, true
		}
	}
	return EventSpec{}, false
}

// parseHex is used by callers that accept "0x..." forms in overrides
// not covered by ini.v1's own numeric parsing (kept distinct from the
// library's MustInt to allow a leading "0x" without a type hint).
func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}
