package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the DNS-SD type lane screens browse for.
	ServiceType = "_drivethru._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	txtVersion    = "1"
	defaultWSPath = "/ws"
	defaultName   = "drivethru"
)

var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("discovery: already advertising")
	errInvalidPort    = errors.New("discovery: port must be between 1 and 65535")
)

// Server is a running mDNS registration.
type Server interface {
	Shutdown()
}

// ServerFactory registers an mDNS service.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

type zeroconfFactory struct{}

func (zeroconfFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// Config configures the advertiser. A nil Factory uses grandcat/zeroconf.
type Config struct {
	Instance   string
	Port       int
	TenantID   string
	WSPath     string
	Interfaces []net.Interface
	Factory    ServerFactory
	Logger     *zap.Logger
}

// Advertiser announces the backend on the local network so lane screens can
// find it without a configured address.
type Advertiser struct {
	cfg     Config
	factory ServerFactory
	logger  *zap.Logger

	mu     sync.Mutex
	server Server
}

func NewAdvertiser(cfg Config) (*Advertiser, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errInvalidPort
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		cfg.Instance = defaultName
	}
	factory := cfg.Factory
	if factory == nil {
		factory = zeroconfFactory{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{cfg: cfg, factory: factory, logger: logger}, nil
}

// TXT returns the TXT records published with the service.
func (a *Advertiser) TXT() []string {
	return BuildTXT(a.cfg.TenantID, a.cfg.WSPath)
}

// BuildTXT formats the key=value TXT records for a tenant and WebSocket path.
func BuildTXT(tenantID, wsPath string) []string {
	path := strings.TrimSpace(wsPath)
	if path == "" {
		path = defaultWSPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return []string{
		"version=" + txtVersion,
		"tenant=" + strings.TrimSpace(tenantID),
		"ws=" + path,
	}
}

// Start registers the service.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return ErrAlreadyStarted
	}
	server, err := a.factory.Register(a.cfg.Instance, ServiceType, Domain, a.cfg.Port, a.TXT(), a.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", ServiceType, err)
	}
	a.server = server
	a.logger.Info("mdns advertisement started",
		zap.String("instance", a.cfg.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", a.cfg.Port))
	return nil
}

// Shutdown withdraws the registration. It is safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()
	if server == nil {
		return
	}
	server.Shutdown()
	a.logger.Info("mdns advertisement stopped", zap.String("instance", a.cfg.Instance))
}
