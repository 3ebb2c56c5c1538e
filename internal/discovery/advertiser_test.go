package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	shutdowns int
}

func (s *fakeServer) Shutdown() {
	s.shutdowns++
}

type fakeFactory struct {
	server   *fakeServer
	err      error
	instance string
	service  string
	domain   string
	port     int
	txt      []string
}

func (f *fakeFactory) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (Server, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.instance, f.service, f.domain, f.port, f.txt = instance, service, domain, port, txt
	f.server = &fakeServer{}
	return f.server, nil
}

func TestBuildTXT(t *testing.T) {
	assert.Equal(t, []string{"version=1", "tenant=tenant-a", "ws=/ws"}, BuildTXT(" tenant-a ", ""))
	assert.Equal(t, []string{"version=1", "tenant=", "ws=/realtime"}, BuildTXT("", "realtime"))
}

func TestAdvertiserRegistersAndShutsDown(t *testing.T) {
	factory := &fakeFactory{}
	advertiser, err := NewAdvertiser(Config{Port: 8080, TenantID: "tenant-a", Factory: factory})
	require.NoError(t, err)

	require.NoError(t, advertiser.Start())
	assert.Equal(t, "drivethru", factory.instance)
	assert.Equal(t, ServiceType, factory.service)
	assert.Equal(t, Domain, factory.domain)
	assert.Equal(t, 8080, factory.port)
	assert.Contains(t, factory.txt, "tenant=tenant-a")
	assert.ErrorIs(t, advertiser.Start(), ErrAlreadyStarted)

	advertiser.Shutdown()
	advertiser.Shutdown()
	assert.Equal(t, 1, factory.server.shutdowns)
}

func TestAdvertiserRejectsBadPortAndRegisterFailure(t *testing.T) {
	_, err := NewAdvertiser(Config{Port: 0})
	assert.Error(t, err)

	advertiser, err := NewAdvertiser(Config{Port: 9000, Factory: &fakeFactory{err: errors.New("no multicast")}})
	require.NoError(t, err)
	assert.Error(t, advertiser.Start())
	advertiser.Shutdown()
}
