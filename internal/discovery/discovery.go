// Package discovery advertises the signaling server over mDNS/DNS-SD and
// browses the local network for it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	ServiceType = "_aero-mesh._tcp"
	Domain      = "local."

	DefaultBrowseTimeout = 3 * time.Second

	txtPath = "path="
)

var ErrInvalidPort = errors.New("discovery: port must be between 1 and 65535")

// MDNSServer is a running registration.
type MDNSServer interface {
	Shutdown()
}

// Registrar creates registrations. The default uses grandcat/zeroconf.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// Browser browses DNS-SD. It closes entries when ctx is done.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type AdvertiserConfig struct {
	Instance string
	Port     int
	// Path is the HTTP path of the signaling endpoint.
	Path       string
	Interfaces []net.Interface

	Registrar     Registrar
	LoggerFactory logging.LoggerFactory
}

// Advertisement is a live registration; Shutdown withdraws it.
type Advertisement struct {
	server MDNSServer
	log    logging.LeveledLogger
}

func Advertise(cfg AdvertiserConfig) (*Advertisement, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if cfg.Instance == "" {
		cfg.Instance = "aero-mesh-signal"
	}
	if cfg.Path == "" {
		cfg.Path = "/signal"
	}
	registrar := cfg.Registrar
	if registrar == nil {
		registrar = zeroconfRegistrar{}
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	log := lf.NewLogger("discovery")

	server, err := registrar.Register(cfg.Instance, ServiceType, Domain, cfg.Port, []string{txtPath + cfg.Path}, cfg.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", ServiceType, err)
	}
	log.Infof("advertising %s instance %q on port %d", ServiceType, cfg.Instance, cfg.Port)
	return &Advertisement{server: server, log: log}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
	a.log.Info("advertisement withdrawn")
}

// Server is a signaling server found on the network.
type Server struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	Path     string
}

// URL is the WebSocket address of the server's signaling endpoint, built from
// its first address.
func (s Server) URL() string {
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addrs) > 0 {
		host = s.Addrs[0].String()
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(s.Port)) + s.Path
}

type BrowseConfig struct {
	// Timeout bounds the browse. Defaults to DefaultBrowseTimeout.
	Timeout time.Duration
	Browser Browser
}

// Browse collects the servers announced before the timeout expires, sorted by
// instance name. Duplicate announcements of an instance are merged.
func Browse(ctx context.Context, cfg BrowseConfig) ([]Server, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	browser := cfg.Browser
	if browser == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("new resolver: %w", err)
		}
		browser = r
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := browser.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	found := make(map[string]Server)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return sortServers(found), nil
			}
			if entry == nil {
				continue
			}
			found[entry.Instance] = fromEntry(entry)
		case <-ctx.Done():
			return sortServers(found), nil
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) Server {
	s := Server{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Path:     "/signal",
	}
	s.Addrs = append(s.Addrs, e.AddrIPv4...)
	s.Addrs = append(s.Addrs, e.AddrIPv6...)
	for _, txt := range e.Text {
		if strings.HasPrefix(txt, txtPath) {
			s.Path = strings.TrimPrefix(txt, txtPath)
		}
	}
	return s
}

func sortServers(m map[string]Server) []Server {
	out := make([]Server, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
