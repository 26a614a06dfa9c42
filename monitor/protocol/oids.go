package protocol

import "strings"

// wellKnownOIDs maps MIB-II object names to their OIDs. Scalars carry the
// trailing .0; table columns are matched by prefix and keep the row index.
var wellKnownOIDs = map[string]string{
	"sysDescr":        "1.3.6.1.2.1.1.1.0",
	"sysUpTime":       "1.3.6.1.2.1.1.3.0",
	"sysContact":      "1.3.6.1.2.1.1.4.0",
	"sysName":         "1.3.6.1.2.1.1.5.0",
	"sysLocation":     "1.3.6.1.2.1.1.6.0",
	"ifNumber":        "1.3.6.1.2.1.2.1.0",
	"ifIndex":         "1.3.6.1.2.1.2.2.1.1",
	"ifDescr":         "1.3.6.1.2.1.2.2.1.2",
	"ifType":          "1.3.6.1.2.1.2.2.1.3",
	"ifMtu":           "1.3.6.1.2.1.2.2.1.4",
	"ifSpeed":         "1.3.6.1.2.1.2.2.1.5",
	"ifPhysAddress":   "1.3.6.1.2.1.2.2.1.6",
	"ifAdminStatus":   "1.3.6.1.2.1.2.2.1.7",
	"ifOperStatus":    "1.3.6.1.2.1.2.2.1.8",
	"ifInOctets":      "1.3.6.1.2.1.2.2.1.10",
	"ifInUcastPkts":   "1.3.6.1.2.1.2.2.1.11",
	"ifInNUcastPkts":  "1.3.6.1.2.1.2.2.1.12",
	"ifInDiscards":    "1.3.6.1.2.1.2.2.1.13",
	"ifInErrors":      "1.3.6.1.2.1.2.2.1.14",
	"ifOutOctets":     "1.3.6.1.2.1.2.2.1.16",
	"ifOutUcastPkts":  "1.3.6.1.2.1.2.2.1.17",
	"ifOutNUcastPkts": "1.3.6.1.2.1.2.2.1.18",
	"ifOutDiscards":   "1.3.6.1.2.1.2.2.1.19",
	"ifOutErrors":     "1.3.6.1.2.1.2.2.1.20",
	"ifOutQLen":       "1.3.6.1.2.1.2.2.1.21",
}

var oidNames = func() map[string]string {
	m := make(map[string]string, len(wellKnownOIDs))
	for name, oid := range wellKnownOIDs {
		m[oid] = name
	}
	return m
}()

// ResolveOID turns a symbolic name (sysUpTime, ifInOctets.3) into a numeric
// OID. Numeric input is returned without a leading dot.
func ResolveOID(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	name, index, _ := strings.Cut(s, ".")
	if oid, ok := wellKnownOIDs[name]; ok {
		if index != "" {
			return oid + "." + index
		}
		return oid
	}
	return s
}

// OIDName returns the symbolic name for oid when it is a known scalar or a
// row of a known table column, and the numeric OID otherwise.
func OIDName(oid string) string {
	oid = strings.TrimPrefix(oid, ".")
	if name, ok := oidNames[oid]; ok {
		return name
	}
	if i := strings.LastIndex(oid, "."); i > 0 {
		if name, ok := oidNames[oid[:i]]; ok {
			return name + oid[i:]
		}
	}
	return oid
}
