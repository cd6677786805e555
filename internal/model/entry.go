package model

// entryOverhead approximates per-entry bookkeeping in a memtable
const entryOverhead = 64

// LogEntry represents one record of a domain's commit log
type LogEntry struct {
	Serial      uint64 `json:"serial"` // Monotonically increasing within a domain
	Domain      string `json:"domain"`
	Key         string `json:"key"`
	Value       []byte `json:"value,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	IsTombstone bool   `json:"tombstone,omitempty"`
}

// MemTableEntry represents an entry in a memtable
type MemTableEntry struct {
	Key         string `json:"key"`
	Value       []byte `json:"value,omitempty"`
	Serial      uint64 `json:"serial"` // Serial of the log entry that wrote it
	Timestamp   int64  `json:"timestamp"`
	IsTombstone bool   `json:"tombstone,omitempty"` // True if this is a delete marker
}

// Size returns the approximate in-memory footprint of the entry
func (e *MemTableEntry) Size() int64 {
	return int64(len(e.Key)+len(e.Value)) + entryOverhead
}

// FromLogEntry builds the memtable entry a log entry replays into
func FromLogEntry(le *LogEntry) *MemTableEntry {
	return &MemTableEntry{
		Key:         le.Key,
		Value:       le.Value,
		Serial:      le.Serial,
		Timestamp:   le.Timestamp,
		IsTombstone: le.IsTombstone,
	}
}
