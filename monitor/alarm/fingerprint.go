package alarm

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/itskum47/scnms/monitor/store"
)

// RuleFingerprint identifies the alarm a rule raises on a device.
func RuleFingerprint(deviceID, ruleID int64) string {
	return digest(fmt.Sprintf("device_%d_rule_%d", deviceID, ruleID))
}

// TrapFingerprint identifies the alarm a trap type raises on a device.
func TrapFingerprint(deviceID int64, trapType string) string {
	return digest(fmt.Sprintf("device_%d_trap_%s", deviceID, trapType))
}

// digest keeps alarm ids stable with ids already stored by earlier releases.
func digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TrapSeverity maps a trap type to a severity by keyword.
func TrapSeverity(trapType string) store.Severity {
	t := strings.ToLower(trapType)
	switch {
	case strings.Contains(t, "critical") || strings.Contains(t, "down"):
		return store.SeverityCritical
	case strings.Contains(t, "major") || strings.Contains(t, "error"):
		return store.SeverityMajor
	case strings.Contains(t, "minor") || strings.Contains(t, "warning"):
		return store.SeverityWarning
	}
	return store.SeverityInfo
}
