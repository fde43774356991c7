package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"loom/internal/llm"
	"loom/internal/store"
)

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func buildSampleSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "/home/user/project", "")
	if err != nil {
		t.Fatalf("CreateSession() err = %v", err)
	}
	if err := st.SetDisplayName(ctx, sess.ID, "sample"); err != nil {
		t.Fatalf("SetDisplayName() err = %v", err)
	}

	e1, err := st.AppendEntry(ctx, sess.ID, store.TypeMessage, &store.MessagePayload{
		Role: "user", Text: "hi", Message: llm.UserTextMessage("hi"),
	})
	if err != nil {
		t.Fatalf("AppendEntry() err = %v", err)
	}
	if _, err := st.AppendEntry(ctx, sess.ID, store.TypeMessage, &store.MessagePayload{
		Role: "assistant", Text: "hello", Message: llm.AssistantTextMessage("hello"),
	}); err != nil {
		t.Fatalf("AppendEntry() err = %v", err)
	}
	if _, err := st.AppendEntry(ctx, sess.ID, store.TypeThinkingLevelChange, &store.ThinkingLevelPayload{
		ThinkingLevel: llm.ThinkingHigh,
	}); err != nil {
		t.Fatalf("AppendEntry() err = %v", err)
	}
	if _, err := st.AppendEntry(ctx, sess.ID, store.TypeCompaction, &store.CompactionPayload{
		Summary:          "earlier talk",
		FirstKeptEntryID: e1.ID,
		TokensBefore:     1234,
	}); err != nil {
		t.Fatalf("AppendEntry() err = %v", err)
	}

	// Side branch so the tree is not a straight line.
	if err := st.SetLeaf(ctx, sess.ID, e1.ID); err != nil {
		t.Fatalf("SetLeaf() err = %v", err)
	}
	if _, err := st.AppendEntry(ctx, sess.ID, store.TypeMessage, &store.MessagePayload{
		Role: "user", Text: "alt", Message: llm.UserTextMessage("alt"),
	}); err != nil {
		t.Fatalf("AppendEntry() err = %v", err)
	}
	return sess
}

func TestExportFormat(t *testing.T) {
	t.Parallel()

	st := openStore(t, "src.db")
	sess := buildSampleSession(t, st)

	var buf bytes.Buffer
	if err := Export(context.Background(), st, sess.ID, &buf); err != nil {
		t.Fatalf("Export() err = %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("export lines = %d, want header + 5 entries", len(lines))
	}

	header := gjson.Parse(lines[0])
	if header.Get("type").String() != "session" {
		t.Fatalf("header type = %q, want session", header.Get("type").String())
	}
	if header.Get("version").Int() != FormatVersion {
		t.Fatalf("header version = %d, want %d", header.Get("version").Int(), FormatVersion)
	}
	if header.Get("id").String() != sess.ID {
		t.Fatalf("header id = %q, want %q", header.Get("id").String(), sess.ID)
	}
	if header.Get("workingContext").String() != "/home/user/project" {
		t.Fatalf("workingContext = %q", header.Get("workingContext").String())
	}

	root := gjson.Parse(lines[1])
	if root.Get("parentId").Type != gjson.Null {
		t.Fatalf("root parentId = %v, want explicit null", root.Get("parentId"))
	}
	if root.Get("role").String() != "user" || root.Get("text").String() != "hi" {
		t.Fatalf("root payload not flattened: %s", lines[1])
	}

	var prev int64
	for _, line := range lines[1:] {
		ts := gjson.Parse(line).Get("timestamp").Int()
		if ts < prev {
			t.Fatalf("entries not in createdAt order: %d after %d", ts, prev)
		}
		prev = ts
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	src := openStore(t, "src.db")
	sess := buildSampleSession(t, src)
	ctx := context.Background()

	var buf bytes.Buffer
	if err := Export(ctx, src, sess.ID, &buf); err != nil {
		t.Fatalf("Export() err = %v", err)
	}

	dst := openStore(t, "dst.db")
	imported, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import() err = %v", err)
	}
	if imported.ID != sess.ID {
		t.Fatalf("imported id = %s, want %s", imported.ID, sess.ID)
	}

	srcEntries, err := src.ListEntries(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEntries(src) err = %v", err)
	}
	dstEntries, err := dst.ListEntries(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListEntries(dst) err = %v", err)
	}
	if len(srcEntries) != len(dstEntries) {
		t.Fatalf("entry count = %d, want %d", len(dstEntries), len(srcEntries))
	}
	for i := range srcEntries {
		want, got := srcEntries[i], dstEntries[i]
		if got.ID != want.ID || got.ParentID != want.ParentID || got.Type != want.Type {
			t.Fatalf("entry %d = %+v, want %+v", i, got, want)
		}
		wantPayload, err := want.Decode()
		if err != nil {
			t.Fatalf("decode source entry %s: %v", want.ID, err)
		}
		gotPayload, err := got.Decode()
		if err != nil {
			t.Fatalf("decode imported entry %s: %v", got.ID, err)
		}
		if want.Type == store.TypeCompaction {
			if gotPayload.(*store.CompactionPayload).FirstKeptEntryID !=
				wantPayload.(*store.CompactionPayload).FirstKeptEntryID {
				t.Fatalf("compaction firstKeptEntryId changed on round trip")
			}
		}
	}

	// The re-export must be byte-identical modulo the session updatedAt,
	// which export does not carry.
	var buf2 bytes.Buffer
	if err := Export(ctx, dst, sess.ID, &buf2); err != nil {
		t.Fatalf("re-Export() err = %v", err)
	}
	if len(strings.Split(buf2.String(), "\n")) != len(strings.Split(buf.String(), "\n")) {
		t.Fatal("re-export line count differs")
	}

	t.Run("leaf points at last entry", func(t *testing.T) {
		got, err := dst.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession() err = %v", err)
		}
		last := dstEntries[len(dstEntries)-1]
		if got.LeafID != last.ID {
			t.Fatalf("imported leaf = %s, want %s", got.LeafID, last.ID)
		}
	})

	t.Run("search works on imported entries", func(t *testing.T) {
		hits, err := dst.SearchEntries(ctx, sess.ID, "hello", 0)
		if err != nil {
			t.Fatalf("SearchEntries() err = %v", err)
		}
		if len(hits) != 1 {
			t.Fatalf("hits = %d, want 1", len(hits))
		}
	})
}

func TestImportRejectsBadInput(t *testing.T) {
	t.Parallel()

	st := openStore(t, "dst.db")
	ctx := context.Background()

	for name, input := range map[string]string{
		"empty":        "",
		"not a header": `{"type":"message","id":"x"}`,
		"invalid json": `{"type":"session"`,
		"missing id":   `{"type":"session","version":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Import(ctx, st, strings.NewReader(input))
			if err == nil {
				t.Fatalf("Import(%q) succeeded, want error", input)
			}
		})
	}

	t.Run("wrong version", func(t *testing.T) {
		_, err := Import(ctx, st, strings.NewReader(`{"type":"session","version":99,"id":"s1"}`))
		if !errors.Is(err, ErrVersionUnknown) {
			t.Fatalf("Import() err = %v, want ErrVersionUnknown", err)
		}
	})

	t.Run("duplicate session id", func(t *testing.T) {
		input := `{"type":"session","version":1,"id":"dup","timestamp":1}`
		if _, err := Import(ctx, st, strings.NewReader(input)); err != nil {
			t.Fatalf("first Import() err = %v", err)
		}
		if _, err := Import(ctx, st, strings.NewReader(input)); err == nil {
			t.Fatal("second Import() succeeded, want duplicate id error")
		}
	})
}
