package ledger

import (
	"regexp"
	"strings"
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	writeVerbRe    = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|upsert)\b`)
)

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true,
}

// IsWrite reports whether a SQL statement (or ;-separated batch) may
// modify the ledger. Used to decide when cached reference data is
// stale.
func IsWrite(statement string) bool {
	s := blockCommentRe.ReplaceAllString(statement, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")

	for _, part := range strings.Split(s, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		first := strings.ToUpper(strings.TrimLeft(fields[0], "("))
		if writeKeywords[first] {
			return true
		}
		// Data-modifying CTEs: WITH x AS (INSERT ... RETURNING ...) SELECT ...
		if first == "WITH" && writeVerbRe.MatchString(part) {
			return true
		}
	}
	return false
}
