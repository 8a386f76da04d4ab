package source

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

type danbooruPost struct {
	id        int64
	md5       string
	ext       string
	tags      string
	rating    string
	isDeleted bool
}

// writeDanbooruDump creates a danbooru-shaped SQLite file and returns its path.
func writeDanbooruDump(t *testing.T, posts []danbooruPost) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "danbooru.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE posts (
		id INTEGER PRIMARY KEY,
		md5 TEXT,
		file_ext TEXT,
		tag_string TEXT,
		tag_count_general INTEGER,
		rating TEXT,
		is_deleted INTEGER
	)`); err != nil {
		t.Fatal(err)
	}
	for _, p := range posts {
		if _, err := db.Exec(
			`INSERT INTO posts VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.id, p.md5, p.ext, p.tags, len(strings.Fields(p.tags)), p.rating, p.isDeleted,
		); err != nil {
			t.Fatal(err)
		}
	}
	return path
}
