package realtime

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"
)

const idSuffixSpace = 10000

var idPattern = regexp.MustCompile(`^[A-Z]{2,5}-\d{4}-\d{4}$`)

// GenerateID returns a client-side id of the form PREFIX-YEAR-NNNN, for
// example DIS-2025-0042.
func GenerateID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, now.Year(), rand.Intn(idSuffixSpace))
}

// ValidID reports whether id has the client-side id format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
