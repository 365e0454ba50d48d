package registryapi

import "strings"

// sparsePrefix returns the directory-prefix component of the sparse index
// convention for name (already expected to be lowercase): 1-char names use
// "1/", 2-char "2/", 3-char "3/{first}/", everything else
// "{first two}/{next two}/".
func sparsePrefix(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3/" + name[:1]
	default:
		return name[:2] + "/" + name[2:4]
	}
}
