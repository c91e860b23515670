// Package safety scans outbound payloads for wallet secrets.
package safety

import (
	"regexp"
)

// LeakWarning describes secret material found in a payload.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match, safe to log
}

// LeakDetector scans strings for leaked secrets.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		// Labelled word lists of 12 or more, as a string or a JSON array.
		re:   regexp.MustCompile(`(?i)"?(mnemonic|seed[_-]?phrase|seed[_-]?words)"?\s*[:=]\s*\[?\s*"?(?:[a-z]+[\s",]+){11,}[a-z]+`),
		desc: "mnemonic",
	},
	{
		re:   regexp.MustCompile(`(?i)\b(private[_-]?key|secret[_-]?key|farmer[_-]?sk|pool[_-]?sk|sk)"?\s*[:=]\s*"?(0x)?[0-9a-f]{64}\b`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+)?PRIVATE\s+KEY-----`),
		desc: "PEM private key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "bearer token",
	},
	{
		re:   regexp.MustCompile(`(?i)"?(passphrase|password)"?\s*[:=]\s*"[^"\s]{8,}"`),
		desc: "password",
	},
}

// Scan checks output for secret material. The input is not modified.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(output, 3)
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}
