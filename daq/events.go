package daq

import "sort"

// Event is the event descriptor of spec §3: a named application-triggered
// sample point, carrying the cycle time and priority the host displays in
// GET_DAQ_EVENT_INFO and an A2L IF_DATA XCP section.
type Event struct {
	ID       uint16
	Index    uint16
	Name     string
	CycleNS  uint32
	Priority uint8
	MaxDAQ   uint8
}

// EventTable is the static, process-lifetime list of events a slave
// exposes, built once at startup (config.Config.BuildEventTable) and read
// without locking thereafter — the same "mutex for creation, lock-free
// reads of an existing entry" rule §5 applies to calseg.Registry.
type EventTable struct {
	events []Event
	byID   map[uint16]int
}

// NewEventTable builds an EventTable from the given events, sorted by
// Index ascending (GET_DAQ_EVENT_INFO addresses events by dense index).
func NewEventTable(events []Event) *EventTable {
	sorted := append([]Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	byID := make(map[uint16]int, len(sorted))
	for i, e := range sorted {
		byID[e.ID] = i
	}
	return &EventTable{events: sorted, byID: byID}
}

// Count returns the number of configured events.
func (t *EventTable) Count() int { return len(t.events) }

// ByIndex returns the event at the given dense index, used by
// GET_DAQ_EVENT_INFO.
func (t *EventTable) ByIndex(index uint16) (Event, bool) {
	if int(index) >= len(t.events) {
		return Event{}, false
	}
	return t.events[int(index)], true
}

// ByID returns the event with the given id, used to validate an
// application's Event(id, ...) call against the static configuration.
func (t *EventTable) ByID(id uint16) (Event, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Event{}, false
	}
	return t.events[i], true
}
