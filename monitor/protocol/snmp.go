package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/itskum47/scnms/monitor/store"
)

// SNMPClient performs SNMP GETs. A request is a comma separated list of OIDs
// or well-known object names.
type SNMPClient struct {
	cfg SNMPConfig
}

func NewSNMPClient(cfg SNMPConfig) *SNMPClient {
	return &SNMPClient{cfg: cfg}
}

func snmpVersion(v string) (gosnmp.SnmpVersion, error) {
	switch v {
	case "", "2c", "v2c", "2":
		return gosnmp.Version2c, nil
	case "1", "v1":
		return gosnmp.Version1, nil
	}
	return 0, fmt.Errorf("snmp version %q not supported", v)
}

func (c *SNMPClient) Fetch(ctx context.Context, device store.Device, request string) (map[string]string, error) {
	version, err := snmpVersion(orDefault(device.SNMP.Version, c.cfg.Version))
	if err != nil {
		return nil, err
	}

	var oids []string
	for _, part := range strings.Split(request, ",") {
		if part = strings.TrimSpace(part); part != "" {
			oids = append(oids, ResolveOID(part))
		}
	}
	if len(oids) == 0 {
		return nil, errors.New("snmp request has no oids")
	}

	g := &gosnmp.GoSNMP{
		Target:    device.Address,
		Port:      c.cfg.Port,
		Community: orDefault(device.SNMP.Community, c.cfg.Community),
		Version:   version,
		Timeout:   c.cfg.Timeout,
		Retries:   c.cfg.Retries,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", device.Address, err)
	}
	defer g.Conn.Close()

	pkt, err := g.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", device.Address, err)
	}
	if pkt.Error != gosnmp.NoError {
		return nil, fmt.Errorf("snmp get %s: %s at index %d", device.Address, pkt.Error, pkt.ErrorIndex)
	}

	data := make(map[string]string, len(pkt.Variables))
	for _, v := range pkt.Variables {
		value, ok := formatPDU(v)
		if !ok {
			continue
		}
		data[OIDName(v.Name)] = value
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("snmp get %s: no instances for %s", device.Address, request)
	}
	return data, nil
}

// formatPDU renders a varbind as text. Missing instances are skipped.
func formatPDU(v gosnmp.SnmpPDU) (string, bool) {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return "", false
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b), true
		}
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String(), true
	}
	return fmt.Sprint(v.Value), true
}
