package source

import (
	"strconv"
	"strings"

	"github.com/hyperjump/tagger/internal/models"
)

// placeholderFunc renders the nth (1-based) bind parameter.
type placeholderFunc func(n int) string

func questionMark(int) string { return "?" }

func dollarN(n int) string { return "$" + strconv.Itoa(n) }

// fetchQuery is a prepared paginated SELECT. Args are bound as
// startID, extensions..., limit.
type fetchQuery struct {
	sql  string
	exts []models.Extension
}

func (q *fetchQuery) args(startID int64, limit int) []any {
	args := make([]any, 0, len(q.exts)+2)
	args = append(args, startID)
	for _, e := range q.exts {
		args = append(args, string(e))
	}
	return append(args, limit)
}

// buildFetchQuery renders the paginated fetch for m. The whitelist and deletion
// policy go into WHERE so that page sizes count only rows that will be kept.
func buildFetchQuery(m *Mapping, ph placeholderFunc, opts Options) *fetchQuery {
	cols := append([]string(nil), RequiredColumns...)
	if m.HasRating() {
		cols = append(cols, ColRating)
	}
	selects := make([]string, len(cols))
	for i, c := range cols {
		selects[i] = m.Expr(c) + " AS " + c
	}

	exts := opts.extensions()
	n := 1
	where := []string{m.Expr(ColID) + " >= " + ph(n)}
	n++
	in := make([]string, len(exts))
	for i := range exts {
		in[i] = ph(n)
		n++
	}
	where = append(where, m.Expr(ColExtension)+" IN ("+strings.Join(in, ", ")+")")
	if !opts.UseDeleted {
		where = append(where, "NOT ("+m.Expr(ColDeleted)+")")
	}
	where = append(where, m.Where...)

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(m.From)
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	if m.GroupBy != "" {
		b.WriteString(" GROUP BY ")
		b.WriteString(m.GroupBy)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(m.Expr(ColID))
	b.WriteString(" LIMIT ")
	b.WriteString(ph(n))

	return &fetchQuery{sql: b.String(), exts: exts}
}

// scanTargets returns destinations matching the select order of buildFetchQuery.
func scanTargets(m *Mapping, r *Row, rating **string) []any {
	dest := []any{
		&r.ID, &r.FolderName, &r.FileName, &r.Extension,
		&r.DownloadURL, &r.TagString, &r.TagCountGeneral, &r.Deleted,
	}
	if m.HasRating() {
		dest = append(dest, rating)
	}
	return dest
}

func (r *Row) setRating(rating *string) {
	if rating != nil {
		r.Rating = *rating
	}
}
