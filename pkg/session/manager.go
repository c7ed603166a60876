package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Info summarizes one session file for listing without replaying it.
type Info struct {
	ID           string    // full session UUID
	Path         string    // absolute path to the JSONL file
	CWD          string    // working directory at creation
	Created      time.Time // parsed from the header timestamp
	MessageCount int       // message entries, including custom messages
	Compactions  int       // compaction entries
	FirstMessage string    // clipped text of the first user message
}

// List returns summary info for all sessions in dir, sorted newest-first.
// A missing dir is an empty list, and malformed session files are skipped.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("session list: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		if info, err := readInfo(filepath.Join(dir, e.Name())); err == nil {
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.After(infos[j].Created)
	})
	return infos, nil
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}

	header, entries, err := ParseEntries(data)
	if err != nil {
		return Info{}, err
	}
	if header == nil {
		return Info{}, fmt.Errorf("no session header in %s", path)
	}

	created, _ := time.Parse(time.RFC3339, header.Timestamp)
	info := Info{
		ID:      header.ID,
		Path:    path,
		CWD:     header.CWD,
		Created: created,
	}

	for _, e := range entries {
		switch e.Kind {
		case KindMessage, KindCustomMessage:
			info.MessageCount++
			if info.FirstMessage == "" && e.Role == "user" {
				info.FirstMessage = firstTextSnippet(e.Message)
			}
		case KindCompaction:
			info.Compactions++
		}
	}

	return info, nil
}

const snippetLen = 80

// firstTextSnippet pulls the first text block out of a raw message payload,
// clipped for list display.
func firstTextSnippet(raw json.RawMessage) string {
	var probe struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	for _, c := range probe.Content {
		if c.Type != "text" || c.Text == "" {
			continue
		}
		if len(c.Text) > snippetLen {
			return c.Text[:snippetLen-3] + "..."
		}
		return c.Text
	}
	return ""
}
