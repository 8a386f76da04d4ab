package source

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/tagger/internal/models"
)

func TestMapping_Validate(t *testing.T) {
	if err := DanbooruMapping().Validate(); err != nil {
		t.Errorf("danbooru mapping: %v", err)
	}
	if err := DerpibooruMapping().Validate(); err != nil {
		t.Errorf("derpibooru mapping: %v", err)
	}

	m := DanbooruMapping()
	delete(m.Columns, ColFileName)
	if err := m.Validate(); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("Validate() error = %v, want ErrMissingColumn", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("derpibooru"); err != nil || f != Derpibooru {
		t.Errorf("ParseFormat(derpibooru) = %q, %v", f, err)
	}
	if _, err := ParseFormat("e621"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(e621) error = %v", err)
	}
}

func TestBuildFetchQuery_Placeholders(t *testing.T) {
	t.Run("sqlite uses question marks", func(t *testing.T) {
		q := buildFetchQuery(DanbooruMapping(), questionMark, Options{})
		if strings.Contains(q.sql, "$") {
			t.Errorf("unexpected $ placeholder: %s", q.sql)
		}
		if got := strings.Count(q.sql, "?"); got != 5 {
			t.Errorf("placeholder count = %d, want 5: %s", got, q.sql)
		}
		if !strings.Contains(q.sql, "NOT (is_deleted)") {
			t.Errorf("deleted filter missing: %s", q.sql)
		}
		if !strings.Contains(q.sql, "rating AS rating") {
			t.Errorf("rating column missing: %s", q.sql)
		}
	})
	t.Run("postgres uses numbered params and groups", func(t *testing.T) {
		q := buildFetchQuery(DerpibooruMapping(), dollarN, Options{UseDeleted: true})
		for _, p := range []string{"$1", "$2", "$4", "LIMIT $5"} {
			if !strings.Contains(q.sql, p) {
				t.Errorf("missing %s in %s", p, q.sql)
			}
		}
		if strings.Contains(q.sql, "NOT (false)") {
			t.Errorf("use_deleted should drop the deleted filter: %s", q.sql)
		}
		if !strings.Contains(q.sql, "GROUP BY i.id ORDER BY i.id") {
			t.Errorf("group/order clause missing: %s", q.sql)
		}
	})
	t.Run("args follow placeholder order", func(t *testing.T) {
		q := buildFetchQuery(DanbooruMapping(), questionMark, Options{Extensions: []models.Extension{models.ExtPNG}})
		args := q.args(42, 7)
		if len(args) != 3 || args[0] != int64(42) || args[1] != "png" || args[2] != 7 {
			t.Errorf("args = %v", args)
		}
	})
}

func TestSQLiteSource_Fetch(t *testing.T) {
	path := writeDanbooruDump(t, []danbooruPost{
		{id: 1, md5: "aa11", ext: "png", tags: "1girl solo", rating: "s"},
		{id: 2, md5: "bb22", ext: "jpg", tags: "1boy", rating: "e", isDeleted: true},
		{id: 3, md5: "cc33", ext: "gif", tags: "animated", rating: "s"},
		{id: 4, md5: "dd44", ext: "JPEG", tags: "landscape", rating: "q"},
		{id: 5, md5: "ee55", ext: "png", tags: "sky", rating: "s"},
	})
	ctx := context.Background()

	src, err := Open(ctx, Danbooru, path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	rows, err := src.Fetch(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]int64, len(rows))
	for i, r := range rows {
		got[i] = r.ID
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("ids = %v, want [1 4 5] (deleted and gif filtered in query)", got)
	}
	if rows[0].FolderName != "aa" || rows[0].FileName != "aa11" || rows[0].Rating != "s" {
		t.Errorf("row 1 = %+v", rows[0])
	}
	if rows[0].DownloadURL != nil {
		t.Errorf("danbooru rows have no download url, got %q", *rows[0].DownloadURL)
	}
	if rows[1].Extension != "jpeg" {
		t.Errorf("extension should be lowered, got %q", rows[1].Extension)
	}

	page, err := src.Fetch(ctx, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != 4 {
		t.Errorf("Fetch(2, 1) = %+v", page)
	}
}

func TestSQLiteSource_UseDeleted(t *testing.T) {
	path := writeDanbooruDump(t, []danbooruPost{
		{id: 1, md5: "aa11", ext: "png", tags: "a", rating: "s"},
		{id: 2, md5: "bb22", ext: "png", tags: "b", rating: "s", isDeleted: true},
	})
	ctx := context.Background()
	src, err := NewSQLiteSource(ctx, path, DanbooruMapping(), Options{UseDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	rows, err := src.Fetch(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || !rows[1].Deleted {
		t.Errorf("rows = %+v", rows)
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Format("e621"), "x", Options{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unknown format error = %v", err)
	}
	if _, err := Open(ctx, Danbooru, "/nonexistent/danbooru.sqlite", Options{}); err == nil {
		t.Error("expected error for missing source file")
	}
	m := DanbooruMapping()
	delete(m.Columns, ColTagString)
	if _, err := NewSQLiteSource(ctx, "/nonexistent", m, Options{}); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("mapping error should come before connection, got %v", err)
	}
}
