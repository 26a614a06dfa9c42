// Package inventory loads devices, polling jobs and alarm rules from a YAML
// file and seeds them into a store.
//
// Example:
//
//	devices:
//	  - id: 1
//	    name: core-rtr-1
//	    address: 10.0.0.1
//	    snmp: {enabled: true, community: "${CORE_COMMUNITY:-public}"}
//
//	jobs:
//	  - id: 1
//	    device_id: 1
//	    protocol: snmp
//	    request: sysUpTime,ifInOctets.1
//	    interval: 60s
//
//	rules:
//	  - id: 1
//	    name: High CPU
//	    metric: snmp_cpu_utilization
//	    comparator: ">"
//	    threshold: 80
//	    severity: major
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/store"
)

type File struct {
	Devices []DeviceConfig `yaml:"devices"`
	Jobs    []JobConfig    `yaml:"jobs"`
	Rules   []RuleConfig   `yaml:"rules"`
}

type ProtocolConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Community string `yaml:"community"`
	Version   string `yaml:"version"`
	Username  string `yaml:"username"`
	// Password supports ${VAR} and ${VAR:-default} substitution.
	Password string `yaml:"password"`
}

type DeviceConfig struct {
	ID       int64          `yaml:"id"`
	Name     string         `yaml:"name"`
	Address  string         `yaml:"address"`
	SNMP     ProtocolConfig `yaml:"snmp"`
	NETCONF  ProtocolConfig `yaml:"netconf"`
	RESTCONF ProtocolConfig `yaml:"restconf"`
}

type JobConfig struct {
	ID       int64    `yaml:"id"`
	DeviceID int64    `yaml:"device_id"`
	Protocol string   `yaml:"protocol"`
	Request  string   `yaml:"request"`
	Interval Duration `yaml:"interval"`
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
}

type RuleConfig struct {
	ID          int64   `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Metric      string  `yaml:"metric"`
	Comparator  string  `yaml:"comparator"`
	Threshold   float64 `yaml:"threshold"`
	Severity    string  `yaml:"severity"`
	Enabled     *bool   `yaml:"enabled"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default}. An unset variable with
// no default is an error.
func expandEnvVars(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		missing = append(missing, m[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s not set", missing[0])
	}
	return out, nil
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if err := f.expandAndValidate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) expandAndValidate() error {
	var errs []error
	devices := make(map[int64]*DeviceConfig, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		if d.ID <= 0 {
			errs = append(errs, fmt.Errorf("devices[%d]: id must be positive", i))
		}
		if _, dup := devices[d.ID]; dup {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %d", i, d.ID))
		}
		devices[d.ID] = d
		if d.Address == "" {
			errs = append(errs, fmt.Errorf("devices[%d] (%s): address is required", i, d.Name))
		}
		for _, pc := range []*ProtocolConfig{&d.SNMP, &d.NETCONF, &d.RESTCONF} {
			for _, field := range []*string{&pc.Community, &pc.Password} {
				v, err := expandEnvVars(*field)
				if err != nil {
					errs = append(errs, fmt.Errorf("devices[%d] (%s): %w", i, d.Name, err))
				}
				*field = v
			}
		}
		if d.SNMP.Version != "" && d.SNMP.Version != "1" && d.SNMP.Version != "2c" {
			errs = append(errs, fmt.Errorf("devices[%d] (%s): snmp version %q not supported", i, d.Name, d.SNMP.Version))
		}
	}

	jobs := make(map[int64]bool, len(f.Jobs))
	for i, j := range f.Jobs {
		if j.ID <= 0 {
			errs = append(errs, fmt.Errorf("jobs[%d]: id must be positive", i))
		}
		if jobs[j.ID] {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate id %d", i, j.ID))
		}
		jobs[j.ID] = true
		if !store.Protocol(j.Protocol).Valid() {
			errs = append(errs, fmt.Errorf("jobs[%d]: unknown protocol %q", i, j.Protocol))
		}
		if j.Interval.Duration() <= 0 {
			errs = append(errs, fmt.Errorf("jobs[%d]: interval must be positive, got %s", i, j.Interval.Duration()))
		}
		if _, ok := devices[j.DeviceID]; !ok {
			errs = append(errs, fmt.Errorf("jobs[%d]: unknown device %d", i, j.DeviceID))
		}
	}

	rules := make(map[int64]bool, len(f.Rules))
	for i, r := range f.Rules {
		if rules[r.ID] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %d", i, r.ID))
		}
		rules[r.ID] = true
		if r.Metric == "" {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): metric is required", i, r.Name))
		}
		if !alarm.ValidComparator(r.Comparator) {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): unknown comparator %q", i, r.Name, r.Comparator))
		}
		if !store.Severity(r.Severity).Valid() {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): unknown severity %q", i, r.Name, r.Severity))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid inventory: %w", errors.Join(errs...))
	}
	return nil
}

func enabled(b *bool) bool {
	return b == nil || *b
}

func settings(p ProtocolConfig) store.ProtocolSettings {
	return store.ProtocolSettings{
		Enabled:   p.Enabled,
		Community: p.Community,
		Version:   p.Version,
		Username:  p.Username,
		Password:  p.Password,
	}
}

// Seed upserts every definition into s. Existing schedules and device
// status are left to the store.
func (f *File) Seed(ctx context.Context, s store.Seeder) error {
	for _, d := range f.Devices {
		dev := &store.Device{
			ID:       d.ID,
			Name:     d.Name,
			Address:  d.Address,
			Status:   store.DeviceUnknown,
			SNMP:     settings(d.SNMP),
			NETCONF:  settings(d.NETCONF),
			RESTCONF: settings(d.RESTCONF),
		}
		if err := s.UpsertDevice(ctx, dev); err != nil {
			return fmt.Errorf("seed device %d: %w", d.ID, err)
		}
	}
	for _, j := range f.Jobs {
		job := &store.PollingJob{
			ID:       j.ID,
			DeviceID: j.DeviceID,
			Protocol: store.Protocol(j.Protocol),
			Request:  j.Request,
			Interval: j.Interval.Duration(),
			Enabled:  enabled(j.Enabled),
		}
		if err := s.UpsertJob(ctx, job); err != nil {
			return fmt.Errorf("seed job %d: %w", j.ID, err)
		}
	}
	for _, r := range f.Rules {
		rule := &store.AlarmRule{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			MetricName:  r.Metric,
			Threshold:   r.Threshold,
			Comparator:  r.Comparator,
			Severity:    store.Severity(r.Severity),
			Enabled:     enabled(r.Enabled),
		}
		if err := s.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %d: %w", r.ID, err)
		}
	}
	return nil
}
