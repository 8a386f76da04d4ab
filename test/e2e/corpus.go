// Package e2e provides end-to-end tests over a synthetic booru dump and its images.
package e2e

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"image/color"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ColorTags are the learnable tags: each post's image is a solid fill of its color tag.
var ColorTags = []string{"red", "green", "blue"}

var palette = map[string]color.RGBA{
	"red":   {R: 230, G: 20, B: 20, A: 255},
	"green": {R: 20, G: 210, B: 20, A: 255},
	"blue":  {R: 20, G: 20, B: 230, A: 255},
}

// Post is one row of a danbooru posts table.
type Post struct {
	ID      int64
	MD5     string
	Ext     string
	Tags    string
	Rating  string
	Deleted bool
}

// ColorTag returns the color tag of the post.
func (p Post) ColorTag() string {
	for _, t := range strings.Fields(p.Tags) {
		if _, ok := palette[t]; ok {
			return t
		}
	}
	return ""
}

// Color returns the fill color of the post's image.
func (p Post) Color() color.RGBA {
	return palette[p.ColorTag()]
}

// RelativePath is where the canonical store places the image: <md5[:2]>/<md5>.<ext>.
func (p Post) RelativePath() string {
	return p.MD5[:2] + "/" + p.MD5 + "." + strings.ToLower(p.Ext)
}

// Corpus is a synthetic danbooru dump.
type Corpus struct {
	Posts []Post
}

// BuildCorpus returns n posts cycling through the color tags. Every seventh post is
// deleted, every fifth is a gif, and extensions alternate between png and jpg.
func BuildCorpus(n int) *Corpus {
	c := &Corpus{Posts: make([]Post, 0, n)}
	ratings := []string{"s", "q", "e"}
	for i := 1; i <= n; i++ {
		sum := md5.Sum([]byte(fmt.Sprintf("post-%d", i)))
		ext := "png"
		switch {
		case i%5 == 0:
			ext = "gif"
		case i%2 == 0:
			ext = "JPG"
		}
		colorTag := ColorTags[i%len(ColorTags)]
		c.Posts = append(c.Posts, Post{
			ID:      int64(i),
			MD5:     hex.EncodeToString(sum[:]),
			Ext:     ext,
			Tags:    colorTag + " solo",
			Rating:  ratings[i%len(ratings)],
			Deleted: i%7 == 0,
		})
	}
	return c
}

// Kept returns the posts a default build keeps: not deleted and in a trainable format.
func (c *Corpus) Kept() []Post {
	var out []Post
	for _, p := range c.Posts {
		if p.Deleted || strings.EqualFold(p.Ext, "gif") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// WriteDanbooruDump writes the corpus as a danbooru posts table in a new SQLite file.
func (c *Corpus) WriteDanbooruDump(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
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
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO posts VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, p := range c.Posts {
		if _, err := stmt.Exec(p.ID, p.MD5, p.Ext, p.Tags, len(strings.Fields(p.Tags)), p.Rating, p.Deleted); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
