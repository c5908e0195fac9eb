package shared

import (
	"fmt"
	"strings"
)

// NATS Subject patterns
const (
	SubjectPrefix = "mdt"

	// Change-data-capture subjects: table, agency, operation
	SubjectChanges    = "mdt.changes"
	SubjectChangesAll = "mdt.changes.>"
	SubjectChange     = "mdt.changes.%s.%s.%s"

	// System subjects
	SubjectSystemHealth = "mdt.system.health"
)

// Stream names
const (
	StreamChanges = "MDT_CHANGES"
)

// Consumer names
const (
	ConsumerChangeAuditor = "change-auditor"
)

// Change operations, matching the realtime change kinds.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Token makes s usable as a single subject token. Empty values map to "_".
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// ChangeSubject is the subject a single change is published on.
func ChangeSubject(table, agency, op string) string {
	return fmt.Sprintf(SubjectChange, Token(table), Token(agency), op)
}

// TableChangesSubject matches every change of table, optionally scoped to
// one agency.
func TableChangesSubject(table, agency string) string {
	if agency == "" {
		return fmt.Sprintf("%s.%s.*.*", SubjectChanges, Token(table))
	}
	return fmt.Sprintf("%s.%s.%s.*", SubjectChanges, Token(table), Token(agency))
}

// ParseChangeSubject splits a change subject into table, agency and op.
func ParseChangeSubject(subject string) (table, agency, op string, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 5 || parts[0] != SubjectPrefix || parts[1] != "changes" {
		return "", "", "", fmt.Errorf("not a change subject: %q", subject)
	}
	return parts[2], parts[3], parts[4], nil
}
