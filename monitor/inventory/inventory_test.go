package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/scnms/monitor/store"
)

const sample = `
devices:
  - id: 1
    name: core-rtr-1
    address: 10.0.0.1
    snmp:
      enabled: true
      community: "${TEST_COMMUNITY:-public}"
  - id: 2
    name: edge-sw-1
    address: 10.0.0.2
    restconf:
      enabled: true
      username: ops
      password: "${TEST_RESTCONF_PASSWORD}"
jobs:
  - id: 10
    device_id: 1
    protocol: snmp
    request: sysUpTime,ifInOctets.1
    interval: 60s
  - id: 11
    device_id: 2
    protocol: restconf
    request: ietf-interfaces:interfaces
    interval: 5m
    enabled: false
rules:
  - id: 1
    name: High CPU
    description: CPU utilization above 80%.
    metric: snmp_cpu_utilization
    comparator: ">"
    threshold: 80
    severity: major
`

func TestParseAndSeed(t *testing.T) {
	t.Setenv("TEST_RESTCONF_PASSWORD", "s3cret")
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "public", f.Devices[0].SNMP.Community, "default applied")
	assert.Equal(t, "s3cret", f.Devices[1].RESTCONF.Password)
	assert.Equal(t, 5*time.Minute, f.Jobs[1].Interval.Duration())

	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, f.Seed(ctx, s))

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Supports(store.ProtocolSNMP))
	assert.False(t, devices[0].Supports(store.ProtocolNETCONF))

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].Enabled, "enabled by default")
	assert.False(t, jobs[1].Enabled)
	assert.Equal(t, time.Minute, jobs[0].Interval)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "snmp_cpu_utilization", rules[0].MetricName)
	assert.Equal(t, store.SeverityMajor, rules[0].Severity)
	assert.True(t, rules[0].Enabled)
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	_, err := Parse([]byte(`
devices:
  - id: 1
    address: 10.0.0.1
jobs:
  - id: 1
    device_id: 9
    protocol: telnet
    interval: 0s
rules:
  - id: 1
    name: bad
    metric: snmp_x
    comparator: "=>"
    severity: urgent
`))
	require.Error(t, err)
	for _, want := range []string{"unknown device 9", `unknown protocol "telnet"`, "interval must be positive", `unknown comparator "=>"`, `unknown severity "urgent"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseMissingEnvVar(t *testing.T) {
	_, err := Parse([]byte(`
devices:
  - id: 1
    address: 10.0.0.1
    netconf: {enabled: true, password: "${SCNMS_TEST_UNSET_VAR}"}
`))
	assert.ErrorContains(t, err, "SCNMS_TEST_UNSET_VAR")
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  - id: 1\n    interval: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - {id: 1, address: 10.0.0.1}\n"), 0o600))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Devices, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
