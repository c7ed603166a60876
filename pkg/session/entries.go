// Package session — JSONL session file entry types.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

const currentVersion = 1

// EntryKind identifies the kind of JSONL line.
type EntryKind string

const (
	// KindSession is the header line (first line of every file).
	KindSession EntryKind = "session"

	// KindMessage records one conversation message. Role carries the
	// message's role so readers can route decoding without parsing the
	// payload first.
	KindMessage EntryKind = "message"

	// KindCustomMessage records a message injected from outside the agent
	// loop (editor notes, hook output). Same payload shape as KindMessage.
	KindCustomMessage EntryKind = "custom_message"

	// KindBranchSummary is written at the top of a forked session and
	// summarizes the branch that was abandoned.
	KindBranchSummary EntryKind = "branch_summary"

	// KindCompaction records that a summary replaced the history before
	// FirstKeptEntryID.
	KindCompaction EntryKind = "compaction"

	// Metadata entries. They carry a single Value and weigh nothing when
	// token budgets are computed.
	KindThinkingLevelChange EntryKind = "thinking_level_change"
	KindModelChange         EntryKind = "model_change"
	KindLabel               EntryKind = "label"
)

// IsMetadata reports whether k is a zero-weight bookkeeping entry that
// attaches to the message that follows it.
func (k EntryKind) IsMetadata() bool {
	switch k {
	case KindThinkingLevelChange, KindModelChange, KindLabel:
		return true
	}
	return false
}

// CompactionDetails records the file activity covered by a compaction so the
// summary can carry it across the cut.
type CompactionDetails struct {
	ReadFiles     []string `json:"read_files,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
}

// Header is the first line written to every session file.
type Header struct {
	Kind      EntryKind `json:"type"` // "session"
	ID        string    `json:"id"`   // session UUID
	Version   int       `json:"version"`
	Timestamp string    `json:"timestamp"` // RFC 3339
	CWD       string    `json:"cwd"`       // working directory at creation
}

// Entry is one non-header JSONL line. It is a flat union: Kind decides which
// field group is populated. A flat struct (rather than one type per kind)
// keeps the compaction cut-point scan a single-slice walk.
type Entry struct {
	Kind      EntryKind `json:"type"`
	ID        string    `json:"id"`                  // 8 hex chars
	ParentID  string    `json:"parent_id,omitempty"` // previous entry ID
	Timestamp string    `json:"timestamp"`

	// KindMessage / KindCustomMessage
	Role    string          `json:"role,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`

	// KindCompaction; Summary is shared with KindBranchSummary
	Summary          string             `json:"summary,omitempty"`
	FirstKeptEntryID string             `json:"first_kept_entry_id,omitempty"`
	TokensBefore     int                `json:"tokens_before,omitempty"`
	Details          *CompactionDetails `json:"details,omitempty"`

	// KindBranchSummary
	ParentSessionPath string `json:"parent_session_path,omitempty"`
	ForkEntryID       string `json:"fork_entry_id,omitempty"`

	// Metadata kinds (the new thinking level, model ID, or label text)
	Value string `json:"value,omitempty"`
}

func newEntry(kind EntryKind, parentID string) Entry {
	return Entry{
		Kind:      kind,
		ID:        newEntryID(),
		ParentID:  parentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ParseLine peeks at the "type" field of a JSONL line. Header lines return
// KindSession with a nil Entry.
func ParseLine(line []byte) (EntryKind, *Entry, error) {
	var probe struct {
		Kind EntryKind `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", nil, fmt.Errorf("parse entry type: %w", err)
	}
	if probe.Kind == KindSession {
		return KindSession, nil, nil
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return probe.Kind, nil, fmt.Errorf("parse %s entry: %w", probe.Kind, err)
	}
	return probe.Kind, &e, nil
}
