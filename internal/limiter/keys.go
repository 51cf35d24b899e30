package limiter

import (
	"fmt"
	"strings"
)

// keyNamespace prefixes every shared-store key so a shared Redis instance
// can be flushed selectively and scanned without touching other tenants.
const keyNamespace = "quota"

// ConsumerKey identifies one rate-limited subject.
type ConsumerKey struct {
	ClassID  string
	CallerID string
}

func (k ConsumerKey) String() string {
	return fmt.Sprintf("%s:%s:%s", keyNamespace, k.ClassID, k.CallerID)
}

// classPattern returns the SCAN match pattern covering every consumer of a
// class.
func classPattern(classID string) string {
	return fmt.Sprintf("%s:%s:*", keyNamespace, classID)
}

// ParseKey recovers a ConsumerKey from its store representation. Caller IDs
// may themselves contain colons; class IDs may not.
func ParseKey(s string) (ConsumerKey, bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != keyNamespace || parts[1] == "" || parts[2] == "" {
		return ConsumerKey{}, false
	}
	return ConsumerKey{ClassID: parts[1], CallerID: parts[2]}, true
}
