package config

import (
	"os"
	"strings"
)

// IssueRequiresRedisLock makes certificate issuance fail fast when the Redis lock
// cannot be used, instead of relying on the MySQL named lock alone.
//
// Set via env:
// - TC_ISSUE_REQUIRE_REDIS_LOCK=true
func IssueRequiresRedisLock() bool {
	return envBool("TC_ISSUE_REQUIRE_REDIS_LOCK")
}

// DefaultCertificateType is the EN 10204 document type used when a caller omits one.
//
// Set via env:
// - TC_DEFAULT_TYPE=3.1
func DefaultCertificateType() string {
	v := strings.TrimSpace(os.Getenv("TC_DEFAULT_TYPE"))
	if v == "" {
		return "3.1"
	}
	return v
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
