package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/itskum47/scnms/monitor/store"
)

// NETCONF 1.0 end-of-message marker.
const netconfDelimiter = "]]>]]>"

const netconfHello = `<?xml version="1.0" encoding="UTF-8"?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:netconf:base:1.0</capability>
  </capabilities>
</hello>`

// NETCONFClient runs get-config with an xpath filter over an SSH netconf
// subsystem, followed by a get of operational state.
type NETCONFClient struct {
	cfg NETCONFConfig
}

func NewNETCONFClient(cfg NETCONFConfig) *NETCONFClient {
	return &NETCONFClient{cfg: cfg}
}

func (c *NETCONFClient) Fetch(ctx context.Context, device store.Device, request string) (map[string]string, error) {
	addr := net.JoinHostPort(device.Address, strconv.Itoa(c.cfg.Port))
	sshCfg := &ssh.ClientConfig{
		User:            orDefault(device.NETCONF.Username, c.cfg.Username),
		Auth:            []ssh.AuthMethod{ssh.Password(orDefault(device.NETCONF.Password, c.cfg.Password))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.Timeout,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netconf dial %s: %w", addr, err)
	}
	// Closing the transport unblocks every pending read once ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("netconf ssh handshake %s: %w", addr, ctxErr(ctx, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("netconf session: %w", ctxErr(ctx, err))
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := session.RequestSubsystem("netconf"); err != nil {
		return nil, fmt.Errorf("netconf subsystem: %w", ctxErr(ctx, err))
	}

	s := &netconfSession{w: stdin, r: bufio.NewReader(stdout)}
	data, err := s.exchange(request)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	return data, nil
}

// ctxErr prefers the context's error when the transport was torn down by it.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

type netconfSession struct {
	w     io.Writer
	r     *bufio.Reader
	msgID int
}

// exchange performs hello, get-config and get, then closes the session.
func (s *netconfSession) exchange(path string) (map[string]string, error) {
	if err := s.send(netconfHello); err != nil {
		return nil, err
	}
	if _, err := readNetconfMessage(s.r); err != nil {
		return nil, fmt.Errorf("netconf hello: %w", err)
	}

	data := make(map[string]string)

	filter := ""
	if path != "" {
		var esc bytes.Buffer
		xml.EscapeText(&esc, []byte(path))
		filter = fmt.Sprintf(`<filter type="xpath" select="%s"/>`, esc.String())
	}
	config, err := s.rpc(`<get-config><source><running/></source>` + filter + `</get-config>`)
	if err != nil {
		return nil, fmt.Errorf("netconf get-config: %w", err)
	}
	data[path] = config

	// Operational state is best effort.
	if state, err := s.rpc(`<get/>`); err == nil {
		data["operational"] = state
	}

	_, _ = s.rpc(`<close-session/>`)
	return data, nil
}

func (s *netconfSession) rpc(body string) (string, error) {
	s.msgID++
	msg := fmt.Sprintf(`<rpc message-id="%d" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">%s</rpc>`, s.msgID, body)
	if err := s.send(msg); err != nil {
		return "", err
	}
	reply, err := readNetconfMessage(s.r)
	if err != nil {
		return "", err
	}
	if strings.Contains(reply, "<rpc-error") {
		return "", fmt.Errorf("rpc-error in reply: %s", reply)
	}
	return reply, nil
}

func (s *netconfSession) send(msg string) error {
	_, err := io.WriteString(s.w, msg+netconfDelimiter)
	return err
}

// readNetconfMessage reads one end-of-message framed NETCONF message.
func readNetconfMessage(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		buf.WriteByte(b)
		if b == '>' && bytes.HasSuffix(buf.Bytes(), []byte(netconfDelimiter)) {
			msg := buf.Bytes()[:buf.Len()-len(netconfDelimiter)]
			return strings.TrimSpace(string(msg)), nil
		}
	}
}
