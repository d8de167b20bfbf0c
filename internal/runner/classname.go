package runner

import "regexp"

// DefaultClassName is used when the source declares no public class.
const DefaultClassName = "UserCode"

var publicClass = regexp.MustCompile(`public\s+class\s+(\w+)`)

// ClassName returns the first public class declared in source, or
// DefaultClassName. It is a text scan, not a parse: a match inside a comment
// or string literal counts.
func ClassName(source string) string {
	if m := publicClass.FindStringSubmatch(source); m != nil {
		return m[1]
	}
	return DefaultClassName
}
