// Package identity discovers the labels that tie io series to the machine
// they were observed on.
package identity

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

const unknown = "unknown"

// DefaultProbeAddr is dialled (UDP, nothing is sent) to learn the address of
// the outbound route.
const DefaultProbeAddr = "8.8.8.8:80"

// Machine identifies the host.
type Machine struct {
	ID       string
	Hostname string
	IPs      []netip.Addr
}

// IPString joins the addresses with commas.
func (m Machine) IPString() string {
	parts := make([]string, len(m.IPs))
	for i, ip := range m.IPs {
		parts[i] = ip.String()
	}
	return strings.Join(parts, ",")
}

// Options control discovery.
type Options struct {
	// EtcRoot is where machine-id is read from. Defaults to /etc.
	EtcRoot string
	// ProbeAddr overrides DefaultProbeAddr. "-" disables the probe.
	ProbeAddr string

	interfaces func(context.Context) (psnet.InterfaceStatList, error)
	hostInfo   func(context.Context) (*host.InfoStat, error)
}

// Discover gathers the machine identity once. Every part degrades to a
// placeholder on failure; nothing here is fatal.
func Discover(ctx context.Context, opts Options, logger *zap.Logger) Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EtcRoot == "" {
		opts.EtcRoot = "/etc"
	}
	if opts.ProbeAddr == "" {
		opts.ProbeAddr = DefaultProbeAddr
	}
	if opts.interfaces == nil {
		opts.interfaces = psnet.InterfacesWithContext
	}
	if opts.hostInfo == nil {
		opts.hostInfo = host.InfoWithContext
	}

	m := Machine{ID: unknown, Hostname: unknown}

	info, err := opts.hostInfo(ctx)
	if err != nil {
		logger.Warn("Host info incomplete", zap.Error(err))
	}
	if info != nil && info.Hostname != "" {
		m.Hostname = info.Hostname
	}

	if id, err := readMachineID(opts.EtcRoot); err == nil {
		m.ID = id
	} else {
		logger.Warn("Failed to read machine-id", zap.Error(err))
		if info != nil && info.HostID != "" {
			m.ID = info.HostID
		}
	}

	var addrs []string
	ifaces, err := opts.interfaces(ctx)
	if err != nil {
		logger.Warn("Failed to list interface addresses", zap.Error(err))
	}
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
	}
	m.IPs = FilterAddrs(addrs)

	if opts.ProbeAddr != "-" {
		if ip, err := outboundAddr(opts.ProbeAddr); err == nil {
			m.IPs = append(m.IPs, ip)
		} else {
			logger.Warn("Failed to learn outbound address", zap.String("probe", opts.ProbeAddr), zap.Error(err))
		}
	}

	m.IPs = sortUnique(m.IPs)
	return m
}

func readMachineID(etcRoot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(etcRoot, "machine-id"))
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", os.ErrNotExist
	}
	return id, nil
}

// FilterAddrs parses interface addresses (bare or CIDR) and keeps the ones
// that identify the host from outside: loopback, unspecified, link-local,
// private, unique-local and documentation ranges are dropped.
func FilterAddrs(addrs []string) []netip.Addr {
	var out []netip.Addr
	for _, s := range addrs {
		ip, ok := parseAddr(s)
		if !ok || !public(ip) {
			continue
		}
		out = append(out, ip)
	}
	return out
}

func parseAddr(s string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

var documentation = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func public(ip netip.Addr) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	for _, p := range documentation {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

func outboundAddr(target string) (netip.Addr, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr().Unmap(), nil
}

func sortUnique(ips []netip.Addr) []netip.Addr {
	slices.SortFunc(ips, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(ips)
}
