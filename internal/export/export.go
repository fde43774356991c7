// Package export serializes sessions to a newline-delimited JSON format and
// imports them back. The format is round-trippable: importing an export
// reconstructs the identical entry tree, ids and parent links included.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"loom/internal/store"
)

// FormatVersion is written into every session header line.
const FormatVersion = 1

var (
	ErrMissingHeader  = errors.New("export stream missing session header")
	ErrBadHeader      = errors.New("malformed session header")
	ErrVersionUnknown = errors.New("unsupported export format version")
)

// envelopeKeys are the per-line fields that frame an entry; everything else
// on the line is the entry's payload, flattened.
var envelopeKeys = []string{"type", "id", "parentId", "timestamp"}

// Export writes one session to w: a header line followed by one line per
// entry in createdAt order.
func Export(ctx context.Context, st *store.Store, sessionID string, w io.Writer) error {
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	entries, err := st.ListEntries(ctx, sessionID)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	header, err := headerLine(sess)
	if err != nil {
		return err
	}
	if _, err := bw.Write(append(header, '\n')); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, entry := range entries {
		line, err := entryLine(entry)
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write entry %s: %w", entry.ID, err)
		}
	}
	return bw.Flush()
}

// Import reads an export stream and materializes it as a new session. The
// imported session keeps the exported session id; importing into a store
// that already holds that id fails. The leaf is set to the last entry line.
func Import(ctx context.Context, st *store.Store, r io.Reader) (*store.Session, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return nil, ErrMissingHeader
	}
	sess, err := parseHeader(scanner.Bytes())
	if err != nil {
		return nil, err
	}

	var entries []*store.Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseEntryLine([]byte(line))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}

	leafID := ""
	if len(entries) > 0 {
		leafID = entries[len(entries)-1].ID
	}

	if err := st.RestoreSession(ctx, sess); err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := st.RestoreEntries(ctx, sess.ID, entries, leafID); err != nil {
			return nil, err
		}
	}
	sess.LeafID = leafID
	return sess, nil
}

func headerLine(sess *store.Session) ([]byte, error) {
	header := map[string]any{
		"type":           "session",
		"version":        FormatVersion,
		"id":             sess.ID,
		"timestamp":      sess.CreatedAt.UnixMilli(),
		"workingContext": sess.WorkingDir,
	}
	if sess.ParentSessionID != "" {
		header["parentSession"] = sess.ParentSessionID
	}
	if sess.DisplayName != "" {
		header["displayName"] = sess.DisplayName
	}
	line, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	return line, nil
}

func parseHeader(line []byte) (*store.Session, error) {
	if !gjson.ValidBytes(line) {
		return nil, ErrBadHeader
	}
	doc := gjson.ParseBytes(line)
	if doc.Get("type").String() != "session" {
		return nil, ErrMissingHeader
	}
	if v := doc.Get("version").Int(); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersionUnknown, v)
	}
	id := strings.TrimSpace(doc.Get("id").String())
	if id == "" {
		return nil, ErrBadHeader
	}
	return &store.Session{
		ID:              id,
		CreatedAt:       time.UnixMilli(doc.Get("timestamp").Int()).UTC(),
		WorkingDir:      doc.Get("workingContext").String(),
		ParentSessionID: doc.Get("parentSession").String(),
		DisplayName:     doc.Get("displayName").String(),
	}, nil
}

// entryLine flattens the payload and the envelope into one JSON object.
// parentId is explicit null for roots so readers need no key-presence logic.
func entryLine(entry *store.Entry) ([]byte, error) {
	line := entry.Data
	if len(line) == 0 {
		line = []byte("{}")
	}
	var err error
	line, err = sjson.SetBytes(line, "type", string(entry.Type))
	if err == nil {
		line, err = sjson.SetBytes(line, "id", entry.ID)
	}
	if err == nil {
		if entry.ParentID == "" {
			line, err = sjson.SetRawBytes(line, "parentId", []byte("null"))
		} else {
			line, err = sjson.SetBytes(line, "parentId", entry.ParentID)
		}
	}
	if err == nil {
		line, err = sjson.SetBytes(line, "timestamp", entry.CreatedAt.UnixMilli())
	}
	if err != nil {
		return nil, fmt.Errorf("render entry %s: %w", entry.ID, err)
	}
	return line, nil
}

func parseEntryLine(line []byte) (*store.Entry, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("malformed entry line: %s", clip(line))
	}
	doc := gjson.ParseBytes(line)
	id := strings.TrimSpace(doc.Get("id").String())
	typ := store.EntryType(doc.Get("type").String())
	if id == "" || !store.ValidEntryType(typ) {
		return nil, fmt.Errorf("malformed entry line: %s", clip(line))
	}

	payload := append([]byte(nil), line...)
	var err error
	for _, key := range envelopeKeys {
		payload, err = sjson.DeleteBytes(payload, key)
		if err != nil {
			return nil, fmt.Errorf("strip envelope of entry %s: %w", id, err)
		}
	}

	return &store.Entry{
		ID:        id,
		ParentID:  doc.Get("parentId").String(),
		Type:      typ,
		CreatedAt: time.UnixMilli(doc.Get("timestamp").Int()).UTC(),
		Data:      json.RawMessage(payload),
	}, nil
}

func clip(line []byte) string {
	const max = 80
	s := string(line)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
