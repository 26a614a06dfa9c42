package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/itskum47/scnms/monitor/store"
)

// RESTCONFClient GETs a data resource and flattens the JSON body into
// dotted keys, one per scalar leaf.
type RESTCONFClient struct {
	cfg  RESTCONFConfig
	http *resty.Client
}

func NewRESTCONFClient(cfg RESTCONFConfig) *RESTCONFClient {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/yang-data+json").
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: cfg.Insecure})
	return &RESTCONFClient{cfg: cfg, http: client}
}

// URL builds the data resource URL for a device.
func (c *RESTCONFClient) URL(device store.Device, path string) string {
	host := net.JoinHostPort(device.Address, strconv.Itoa(c.cfg.Port))
	return fmt.Sprintf("%s://%s/restconf/data/%s", orDefault(c.cfg.Scheme, "https"), host, strings.TrimPrefix(path, "/"))
}

func (c *RESTCONFClient) Fetch(ctx context.Context, device store.Device, request string) (map[string]string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(
			orDefault(device.RESTCONF.Username, c.cfg.Username),
			orDefault(device.RESTCONF.Password, c.cfg.Password),
		).
		Get(c.URL(device, request))
	if err != nil {
		return nil, fmt.Errorf("restconf get %s: %w", request, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("restconf get %s: status %d", request, resp.StatusCode())
	}

	var body any
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("restconf decode %s: %w", request, err)
	}

	data := make(map[string]string)
	flatten("", body, data)
	if len(data) == 0 {
		return nil, fmt.Errorf("restconf get %s: empty body", request)
	}
	return data, nil
}

// flatten walks decoded JSON, writing scalar leaves under dotted keys.
// Module prefixes ("ietf-interfaces:") are dropped from key segments.
func flatten(prefix string, v any, out map[string]string) {
	join := func(seg string) string {
		if _, local, ok := strings.Cut(seg, ":"); ok {
			seg = local
		}
		if prefix == "" {
			return seg
		}
		return prefix + "." + seg
	}

	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(join(k), val[k], out)
		}
	case []any:
		for i, item := range val {
			flatten(join(strconv.Itoa(i)), item, out)
		}
	case nil:
		out[prefix] = ""
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case string:
		out[prefix] = val
	default:
		out[prefix] = fmt.Sprint(val)
	}
}
