// Package mapper derives a canonical (package, version) identity from the
// primary feed's CPE platform-identifier strings and filters the stream
// down to Java-ecosystem packages.
package mapper

import (
	"strings"

	"github.com/vulnwatch/jvulnsync/internal/types"
)

// Terms indicating a Java-ecosystem package. Substring match over the
// product, vendor and title fields.
var javaTerms = []string{
	"java", "jdk", "jre", "spring", "hibernate", "tomcat", "maven",
	"gradle", "jakarta", "javax", "jetty", "jdbc", "jpa", "jms",
	"groovy", "kotlin", "scala",
}

// Terms indicating the match is actually from the JavaScript ecosystem and
// must be rejected even when a Java term also matches ("javascript"
// contains "java").
var excludeTerms = []string{
	"javascript", "node", "npm", "nodejs", "typescript",
	"react", "vue", "angular", "webpack", "babel",
	"eslint", "prettier", "yarn", "deno",
}

// Map extracts a (package, version) identity from a raw finding. ok is
// false when the finding is not a trackable Java package: malformed CPE,
// non-application part, wildcard version, or no Java term match. Misses are
// expected and silently skipped by the caller.
//
// The heuristic trades precision for simplicity: substring matching admits
// some noise and loses some legitimate packages, and downstream merge and
// enrichment logic tolerates both.
func Map(f types.RawFinding) (types.Identity, bool) {
	// cpe:2.3:<part>:<vendor>:<product>:<version>:...
	parts := strings.Split(strings.ToLower(f.CPEName), ":")
	if len(parts) < 6 || parts[0] != "cpe" {
		return types.Identity{}, false
	}

	if parts[2] != "a" {
		return types.Identity{}, false
	}

	vendor := parts[3]
	product := parts[4]
	version := parts[5]

	if !trackableVersion(version) {
		return types.Identity{}, false
	}

	if isJavaPackage(vendor, product, f.Titles) {
		return types.Identity{Package: product, Version: version}, true
	}

	return types.Identity{}, false
}

func isJavaPackage(vendor, product string, titles []string) bool {
	if matchesAny(product, javaTerms) && !matchesAny(product, excludeTerms) {
		return true
	}

	if matchesAny(vendor, javaTerms) && !matchesAny(vendor, excludeTerms) {
		return true
	}

	titleText := strings.ToLower(strings.Join(titles, " "))
	if matchesAny(titleText, javaTerms) && !matchesAny(titleText, excludeTerms) {
		return true
	}

	return false
}

// trackableVersion rejects CPE wildcard markers: a record without a
// concrete version cannot be resolved against the range-lookup service.
func trackableVersion(version string) bool {
	return version != "" && version != "*" && version != "-"
}

func matchesAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
