// Package session manages persistent agent sessions stored as JSONL files.
//
// Each session is one JSONL file:
//   - Line 1: Header (type=session, id, version, cwd, timestamp)
//   - Lines 2+: one Entry per line (messages, compactions, branch summaries,
//     metadata changes)
//
// Entry IDs are 8-character hex strings (short enough to not bloat the file,
// unique enough for our purposes). The parent_id chain records the
// conversation tree; replay walks the file in order and honors the last
// compaction entry.
//
// Usage:
//
//	// Create new session
//	sess, _ := session.Create("~/.config/halyard/sessions", ".")
//
//	// Append messages as they arrive
//	sess.AppendMessage(msg)
//
//	// Later: resume
//	sess, _ = session.Load("~/.config/halyard/sessions", sessionID)
//	msgs, _ := sess.Messages()
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// Session is an open session file. All writes are append-only (except
// RemoveEntry) and safe for concurrent use; a single goroutine is the
// expected writer, the mutex guards against accidental concurrent calls.
type Session struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	id     string
	leafID string // ID of the last written entry
	cwd    string
	dir    string
	codec  MessageCodec
	logger *slog.Logger
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// CWD returns the working directory the session was created in.
func (s *Session) CWD() string { return s.cwd }

// FilePath returns the absolute path to the session's JSONL file.
func (s *Session) FilePath() string { return s.f.Name() }

// LeafID returns the ID of the most-recently written entry (useful as a
// parent reference when writing the next entry).
func (s *Session) LeafID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leafID
}

// SetCodec replaces the message codec. Embedders with custom message kinds
// must install a codec that round-trips them; the default handles only the
// model-facing roles and the session's own summary variants.
func (s *Session) SetCodec(c MessageCodec) {
	s.mu.Lock()
	if c == nil {
		c = DefaultCodec{}
	}
	s.codec = c
	s.mu.Unlock()
}

// Codec returns the installed message codec.
func (s *Session) Codec() MessageCodec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// SetLogger installs a logger for non-fatal decode warnings.
func (s *Session) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	s.logger = l
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Creating and loading sessions
// ---------------------------------------------------------------------------

// DefaultDir returns the platform-appropriate directory for session files.
func DefaultDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "halyard", "sessions")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "halyard", "sessions")
}

// Create opens a new session file in dir, writes the header, and returns the
// session. cwd is the working directory at session start.
func Create(dir, cwd string) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", dir, err)
	}

	id := uuid.New().String()
	name := fmt.Sprintf("%s-%s.jsonl",
		time.Now().UTC().Format("20060102-150405"),
		id[:8],
	)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", path, err)
	}

	s := &Session{
		f:      f,
		w:      bufio.NewWriter(f),
		id:     id,
		cwd:    cwd,
		dir:    dir,
		codec:  DefaultCodec{},
		logger: slog.New(slog.DiscardHandler),
	}

	header := Header{
		Kind:      KindSession,
		ID:        id,
		Version:   currentVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		CWD:       cwd,
	}
	if err := s.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

// Load opens an existing session file by ID prefix (first 8 chars of UUID),
// reads all existing entries to restore leafID, and returns a session ready
// for appending.
func Load(dir, idPrefix string) (*Session, error) {
	path, err := findSessionFile(dir, idPrefix)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}

	header, entries, err := ParseEntries(data)
	if err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", path, err)
	}
	if header == nil {
		return nil, fmt.Errorf("session: no header in %s", path)
	}

	leafID := ""
	if len(entries) > 0 {
		leafID = entries[len(entries)-1].ID
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open %s for append: %w", path, err)
	}

	return &Session{
		f:      f,
		w:      bufio.NewWriter(f),
		id:     header.ID,
		cwd:    header.CWD,
		dir:    dir,
		leafID: leafID,
		codec:  DefaultCodec{},
		logger: slog.New(slog.DiscardHandler),
	}, nil
}

// ---------------------------------------------------------------------------
// Appending entries
// ---------------------------------------------------------------------------

// AppendMessage serializes msg and appends a message entry. Returns the new
// entry ID.
func (s *Session) AppendMessage(msg llm.Message) (string, error) {
	return s.appendMessageEntry(KindMessage, msg)
}

// AppendCustomMessage appends a message injected from outside the agent loop
// (kind custom_message). The payload shape is the same as AppendMessage.
func (s *Session) AppendCustomMessage(msg llm.Message) (string, error) {
	return s.appendMessageEntry(KindCustomMessage, msg)
}

func (s *Session) appendMessageEntry(kind EntryKind, msg llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.codec.MarshalMessage(msg)
	if err != nil {
		return "", fmt.Errorf("session: marshal message: %w", err)
	}

	entry := newEntry(kind, s.leafID)
	entry.Role = string(msg.GetRole())
	entry.Message = raw
	if err := s.writeLine(entry); err != nil {
		return "", err
	}

	s.leafID = entry.ID
	return entry.ID, nil
}

// AppendCompaction appends a compaction entry. summary is the generated
// summary text, firstKeptEntryID the ID of the first entry that survived the
// cut (empty when nothing was kept), tokensBefore the estimated context size
// before compaction, and details the file activity the summary covers.
func (s *Session) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, details *CompactionDetails) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := newEntry(KindCompaction, s.leafID)
	entry.Summary = summary
	entry.FirstKeptEntryID = firstKeptEntryID
	entry.TokensBefore = tokensBefore
	entry.Details = details
	if err := s.writeLine(entry); err != nil {
		return "", err
	}
	s.leafID = entry.ID
	return entry.ID, nil
}

// AppendThinkingLevelChange records a reasoning-level switch.
func (s *Session) AppendThinkingLevelChange(level string) (string, error) {
	return s.appendValueEntry(KindThinkingLevelChange, level)
}

// AppendModelChange records a model switch.
func (s *Session) AppendModelChange(model string) (string, error) {
	return s.appendValueEntry(KindModelChange, model)
}

// AppendLabel records a user-assigned label on the current position.
func (s *Session) AppendLabel(label string) (string, error) {
	return s.appendValueEntry(KindLabel, label)
}

func (s *Session) appendValueEntry(kind EntryKind, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := newEntry(kind, s.leafID)
	entry.Value = value
	if err := s.writeLine(entry); err != nil {
		return "", err
	}
	s.leafID = entry.ID
	return entry.ID, nil
}

// ---------------------------------------------------------------------------
// Removing entries
// ---------------------------------------------------------------------------

// RemoveEntry deletes the entry with the given ID and splices the parent
// chain across the gap. Used when a failed assistant message must not be
// replayed (context-overflow recovery). The file is rewritten atomically.
func (s *Session) RemoveEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.f.Name()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("session: flush before rewrite: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("session: read %s: %w", path, err)
	}

	var out []string
	removedParent := ""
	removed := false
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		kind, entry, err := ParseLine([]byte(line))
		if err != nil || kind == KindSession || entry == nil {
			out = append(out, line)
			continue
		}
		if entry.ID == id {
			removed = true
			removedParent = entry.ParentID
			continue
		}
		if removed && entry.ParentID == id {
			entry.ParentID = removedParent
			patched, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("session: re-marshal entry %s: %w", entry.ID, err)
			}
			line = string(patched)
		}
		out = append(out, line)
	}
	if !removed {
		return fmt.Errorf("session: no entry %s", id)
	}

	tmp := path + ".tmp"
	content := strings.Join(out, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("session: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: replace %s: %w", path, err)
	}

	// Reopen the append handle on the new inode.
	s.f.Close()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("session: reopen %s: %w", path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)

	if s.leafID == id {
		s.leafID = removedParent
	}
	return nil
}

// ---------------------------------------------------------------------------
// Forking
// ---------------------------------------------------------------------------

// Fork creates a new session that branches from this one at the entry with
// ID atEntryID (inclusive). All entries up to and including it are copied to
// the new session file after a branch_summary entry that links back to the
// parent. branchSummary may be empty; pass a non-empty string to annotate
// what was abandoned in the parent.
//
// The returned Session is ready for writing and is NOT closed by Fork.
func (s *Session) Fork(dir, atEntryID, branchSummary string) (*Session, error) {
	s.mu.Lock()
	parentPath := s.f.Name()
	if err := s.w.Flush(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session fork: flush parent: %w", err)
	}
	s.mu.Unlock()

	parentData, err := os.ReadFile(parentPath)
	if err != nil {
		return nil, fmt.Errorf("session fork: read parent: %w", err)
	}
	_, entries, err := ParseEntries(parentData)
	if err != nil {
		return nil, fmt.Errorf("session fork: parse parent: %w", err)
	}

	cut := len(entries)
	if atEntryID != "" {
		cut = -1
		for i, e := range entries {
			if e.ID == atEntryID {
				cut = i + 1
				break
			}
		}
		if cut == -1 {
			return nil, fmt.Errorf("session fork: no entry %s", atEntryID)
		}
	}

	child, err := Create(dir, s.cwd)
	if err != nil {
		return nil, fmt.Errorf("session fork: create child: %w", err)
	}
	child.SetCodec(s.codec)

	branch := newEntry(KindBranchSummary, "")
	branch.Summary = branchSummary
	branch.ParentSessionPath = parentPath
	branch.ForkEntryID = atEntryID
	if err := child.writeLine(branch); err != nil {
		child.Close()
		return nil, fmt.Errorf("session fork: write branch entry: %w", err)
	}
	child.leafID = branch.ID

	for _, e := range entries[:cut] {
		line, err := json.Marshal(e)
		if err != nil {
			child.Close()
			return nil, fmt.Errorf("session fork: copy entry: %w", err)
		}
		if _, err := child.w.Write(append(line, '\n')); err != nil {
			child.Close()
			return nil, fmt.Errorf("session fork: copy entry: %w", err)
		}
		child.leafID = e.ID
	}
	if err := child.w.Flush(); err != nil {
		child.Close()
		return nil, err
	}

	return child, nil
}

// Close flushes and closes the session file.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// ---------------------------------------------------------------------------
// Reading back
// ---------------------------------------------------------------------------

// Entries reads and parses every entry in the session file, in file order.
func (s *Session) Entries() ([]Entry, error) {
	s.mu.Lock()
	path := s.f.Name()
	if err := s.w.Flush(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	_, entries, err := ParseEntries(data)
	return entries, err
}

// Messages reconstructs the conversation history, honoring the last
// compaction entry (summary message + kept tail).
func (s *Session) Messages() ([]llm.Message, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	codec := s.codec
	logger := s.logger
	s.mu.Unlock()
	return replayMessages(entries, codec, logger), nil
}

// ParseEntries parses raw JSONL session bytes into the header and the entry
// list. Malformed lines are skipped so a truncated tail (crash mid-write)
// does not lose the whole session.
func ParseEntries(data []byte) (*Header, []Entry, error) {
	var header *Header
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		kind, entry, err := ParseLine([]byte(line))
		if err != nil {
			continue
		}
		if kind == KindSession {
			var h Header
			if err := json.Unmarshal([]byte(line), &h); err == nil {
				header = &h
			}
			continue
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return header, entries, nil
}

// ReplayMessages rebuilds the message history from parsed entries. The last
// compaction entry, if any, replaces everything before its FirstKeptEntryID
// with a CompactionSummaryMessage. Branch summary entries become
// BranchSummaryMessages; metadata entries produce nothing.
func ReplayMessages(entries []Entry, codec MessageCodec) []llm.Message {
	if codec == nil {
		codec = DefaultCodec{}
	}
	return replayMessages(entries, codec, slog.New(slog.DiscardHandler))
}

func replayMessages(entries []Entry, codec MessageCodec, logger *slog.Logger) []llm.Message {
	lastComp := -1
	for i, e := range entries {
		if e.Kind == KindCompaction {
			lastComp = i
		}
	}

	decode := func(e Entry) (llm.Message, bool) {
		switch e.Kind {
		case KindMessage, KindCustomMessage:
			msg, err := codec.UnmarshalMessage(e.Role, e.Message)
			if err != nil {
				logger.Warn("session: skipping undecodable entry", "id", e.ID, "role", e.Role, "error", err)
				return nil, false
			}
			return msg, true
		case KindBranchSummary:
			return branchMessageFor(e), true
		}
		return nil, false
	}

	var msgs []llm.Message

	if lastComp == -1 {
		for _, e := range entries {
			if m, ok := decode(e); ok {
				msgs = append(msgs, m)
			}
		}
		return msgs
	}

	comp := entries[lastComp]
	msgs = append(msgs, summaryMessageFor(comp))

	// Kept tail between the cut and the compaction entry.
	inTail := false
	for _, e := range entries[:lastComp] {
		if comp.FirstKeptEntryID != "" && e.ID == comp.FirstKeptEntryID {
			inTail = true
		}
		if !inTail {
			continue
		}
		if m, ok := decode(e); ok {
			msgs = append(msgs, m)
		}
	}

	// Everything after the compaction entry.
	for _, e := range entries[lastComp+1:] {
		if m, ok := decode(e); ok {
			msgs = append(msgs, m)
		}
	}

	return msgs
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("session: write newline: %w", err)
	}
	return s.w.Flush()
}

// newEntryID generates an 8-character hex entry ID from a random UUID.
func newEntryID() string {
	return uuid.New().String()[:8]
}

// findSessionFile locates a session file matching the given ID prefix.
func findSessionFile(dir, idPrefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("session: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), idPrefix) && strings.HasSuffix(e.Name(), ".jsonl") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("session: no session found matching %q in %s", idPrefix, dir)
}
