// Package snmpprobe checks whether a capture agent's host still answers
// SNMP when the agent itself has gone quiet. A host that answers points at a
// crashed agent process; one that does not points at the machine or network.
package snmpprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

type Config struct {
	Community string
	Version   string // "2c" (default) | "1"
	Port      uint16
	Timeout   time.Duration
	Retries   int
}

type SystemInfo struct {
	SysName  *string
	SysDescr *string
	// Uptime is nil when the agent did not report sysUpTime.
	Uptime *time.Duration
}

// getter is the part of *gosnmp.GoSNMP the probe uses.
type getter interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
}

type Client struct {
	cfg  Config
	dial func(address string) (getter, func(), error)
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.Community) == "" {
		cfg.Community = "public"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "2c"
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	c := &Client{cfg: cfg}
	c.dial = c.connect
	return c
}

func (c *Client) connect(address string) (getter, func(), error) {
	var snmpVersion gosnmp.SnmpVersion
	switch strings.ToLower(strings.TrimSpace(c.cfg.Version)) {
	case "2c", "v2c", "":
		snmpVersion = gosnmp.Version2c
	case "1", "v1":
		snmpVersion = gosnmp.Version1
	default:
		return nil, nil, fmt.Errorf("unsupported snmp version %q", c.cfg.Version)
	}

	s := &gosnmp.GoSNMP{
		Target:    address,
		Port:      c.cfg.Port,
		Community: c.cfg.Community,
		Version:   snmpVersion,
		Timeout:   c.cfg.Timeout,
		Retries:   c.cfg.Retries,
	}
	if err := s.Connect(); err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Conn.Close() }, nil
}

const (
	oidSysDescr0  = "1.3.6.1.2.1.1.1.0"
	oidSysUpTime0 = "1.3.6.1.2.1.1.3.0"
	oidSysName0   = "1.3.6.1.2.1.1.5.0"
)

// Probe queries the system group of host.
func (c *Client) Probe(ctx context.Context, host string) (SystemInfo, error) {
	if c == nil {
		return SystemInfo{}, errors.New("snmp client is nil")
	}
	if err := ctx.Err(); err != nil {
		return SystemInfo{}, err
	}

	s, closeFn, err := c.dial(host)
	if err != nil {
		return SystemInfo{}, err
	}
	defer closeFn()

	pkt, err := s.Get([]string{oidSysName0, oidSysDescr0, oidSysUpTime0})
	if err != nil {
		return SystemInfo{}, err
	}

	var out SystemInfo
	for _, v := range pkt.Variables {
		// gosnmp reports names with a leading dot.
		switch strings.TrimPrefix(v.Name, ".") {
		case oidSysName0:
			out.SysName, _ = pduString(v)
		case oidSysDescr0:
			out.SysDescr, _ = pduString(v)
		case oidSysUpTime0:
			out.Uptime, _ = pduTimeTicks(v)
		}
	}
	return out, nil
}

func pduString(pdu gosnmp.SnmpPDU) (*string, bool) {
	var s string
	switch v := pdu.Value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return nil, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}
	return &s, true
}

// pduTimeTicks converts hundredths of a second to a duration.
func pduTimeTicks(pdu gosnmp.SnmpPDU) (*time.Duration, bool) {
	var ticks int64
	switch v := pdu.Value.(type) {
	case uint32:
		ticks = int64(v)
	case uint:
		ticks = int64(v)
	case int:
		ticks = int64(v)
	case uint64:
		ticks = int64(v)
	default:
		return nil, false
	}
	d := time.Duration(ticks) * 10 * time.Millisecond
	return &d, true
}

// HostFromURL extracts the host part of an agent URL. Bare host names and
// host:port pairs are accepted too.
func HostFromURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return "", false
		}
		return u.Hostname(), true
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host, host != ""
	}
	return raw, true
}
