// Package showcat implements the Show/Retrieve Iterators (spec §4.7):
// paginated SHOW STABLES/SHOW TABLES scans over the Registry, filtered by
// database prefix and an optional glob-like pattern on display name.
package showcat

import (
	"strings"

	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/registry"
)

// Row is one SHOW result. Which fields are meaningful depends on Kind:
// Super rows set NumTags/ChildCount, Child/Normal/Stream rows set
// StableName (Child only) (spec §4.7 "Columns").
type Row struct {
	Name          string
	CreatedTimeMs int64
	NumColumns    int32
	Kind          model.Kind
	NumTags       int32  // Super only
	ChildCount    int32  // Super only
	StableName    string // Child only
}

// Match matches or rejects a display name; the iterator never advances its
// output cursor on a rejection (spec §4.7 "Pattern match returns exactly
// {match,nomatch}").
type Match bool

const (
	NoMatch Match = false
	IsMatch Match = true
)

// MatchPattern reports whether name matches a SQL-LIKE-style pattern: '%'
// matches any run of characters, '_' matches exactly one.
func MatchPattern(pattern, name string) Match {
	if pattern == "" {
		return IsMatch
	}
	return Match(likeMatch(pattern, name))
}

func likeMatch(pat, s string) bool {
	// Standard LIKE matcher: dp[i][j] = pat[:i] matches s[:j].
	dp := make([][]bool, len(pat)+1)
	for i := range dp {
		dp[i] = make([]bool, len(s)+1)
	}
	dp[0][0] = true
	for i := 1; i <= len(pat); i++ {
		if pat[i-1] == '%' {
			dp[i][0] = dp[i-1][0]
		}
	}
	for i := 1; i <= len(pat); i++ {
		for j := 1; j <= len(s); j++ {
			switch pat[i-1] {
			case '%':
				dp[i][j] = dp[i-1][j] || dp[i][j-1]
			case '_':
				dp[i][j] = dp[i-1][j-1]
			default:
				dp[i][j] = dp[i-1][j-1] && pat[i-1] == s[j-1]
			}
		}
	}
	return dp[len(pat)][len(s)]
}

// Iterator holds the paginated scan state for one SHOW call: the
// underlying store cursor is remembered across Next calls so a client can
// resume the scan where it left off (spec §4.7 "stateful scan remembering
// last yielded store cursor").
type Iterator struct {
	reg     *registry.Registry
	dbName  string
	pattern string

	stables bool
	sCursor *catalog.Cursor
	cCursor *catalog.Cursor
}

// NewShowStables scans super tables in dbName matching pattern.
func NewShowStables(reg *registry.Registry, dbName, pattern string) *Iterator {
	return &Iterator{reg: reg, dbName: dbName, pattern: pattern, stables: true, sCursor: reg.StablesCursor()}
}

// NewShowTables scans child/normal/stream tables in dbName matching
// pattern.
func NewShowTables(reg *registry.Registry, dbName, pattern string) *Iterator {
	return &Iterator{reg: reg, dbName: dbName, pattern: pattern, cCursor: reg.CTablesCursor()}
}

func (it *Iterator) dbPrefix(tableID string) bool {
	return strings.HasPrefix(tableID, it.dbName+".")
}

// Next returns the next matching row, or ok=false once the scan is
// exhausted. Rows outside dbName or failing the pattern are skipped
// without being counted against the caller's page.
func (it *Iterator) Next() (Row, bool) {
	if it.stables {
		for {
			s, ok := it.reg.NextStable(it.sCursor)
			if !ok {
				return Row{}, false
			}
			if !it.dbPrefix(s.TableID) {
				continue
			}
			name := registry.ExtractDisplayName(s.TableID)
			if MatchPattern(it.pattern, name) == NoMatch {
				continue
			}
			return Row{
				Name: name, CreatedTimeMs: s.CreatedTimeMs, NumColumns: s.NumColumns,
				Kind: model.Super, NumTags: s.NumTags, ChildCount: s.ChildCount,
			}, true
		}
	}
	for {
		row, ok := it.reg.NextCTable(it.cCursor)
		if !ok {
			return Row{}, false
		}
		header := row.RowHeader()
		if !it.dbPrefix(header.TableID) {
			continue
		}
		name := registry.ExtractDisplayName(header.TableID)
		if MatchPattern(it.pattern, name) == NoMatch {
			continue
		}
		out := Row{Name: name, Kind: row.Kind}
		switch row.Kind {
		case model.Child:
			out.CreatedTimeMs = row.Child.CreatedTimeMs
			out.StableName = registry.ExtractDisplayName(row.Child.SuperTableID)
			if super, ok := it.reg.GetSuper(row.Child.SuperTableID); ok {
				out.NumColumns = super.NumColumns
			}
		case model.Normal:
			out.CreatedTimeMs = row.Normal.CreatedTimeMs
			out.NumColumns = row.Normal.NumColumns
		case model.Stream:
			out.CreatedTimeMs = row.Stream.CreatedTimeMs
			out.NumColumns = row.Stream.NumColumns
		}
		return out, true
	}
}
