package devicerpc

import (
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKI_IssuesVerifiableCertificates(t *testing.T) {
	pki := NewPKI(t.TempDir())

	device, err := pki.IssueDevice("edge-1", []net.IP{net.ParseIP("10.100.1.1")}, nil)
	require.NoError(t, err)
	controller, err := pki.IssueClient("controller")
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(pki.caCert)

	_, err = device.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}})
	assert.NoError(t, err)
	assert.NoError(t, device.VerifyHostname("10.100.1.1"))
	_, err = controller.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	assert.NoError(t, err)

	_, err = pki.IssueDevice("nameless", nil, nil)
	assert.Error(t, err)
}

func TestPKI_ReusesExistingCA(t *testing.T) {
	dir := t.TempDir()
	first := NewPKI(dir)
	require.NoError(t, first.EnsureCA())

	second := NewPKI(dir)
	require.NoError(t, second.EnsureCA())
	assert.Equal(t, first.caCert.Raw, second.caCert.Raw)
}

func TestProbe_MutualTLS(t *testing.T) {
	pki := NewPKI(t.TempDir())
	_, err := pki.IssueDevice("device", []net.IP{net.ParseIP("127.0.0.1")}, nil)
	require.NoError(t, err)
	_, err = pki.IssueClient("controller")
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := NewServer(0, &fakeDevice{}, TLSConfig{
		Enabled:    true,
		CertFile:   pki.CertPath("device"),
		KeyFile:    pki.KeyPath("device"),
		CAFile:     pki.CACertPath(),
		ClientAuth: "require",
	})
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	port := lis.Addr().(*net.TCPAddr).Port

	client, err := NewGRPCClient(Config{Port: port, TLS: TLSConfig{
		Enabled:  true,
		CertFile: pki.CertPath("controller"),
		KeyFile:  pki.KeyPath("controller"),
		CAFile:   pki.CACertPath(),
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.Probe(probeCtx(t), loopback)
	assert.NoError(t, err)

	plain, err := NewGRPCClient(Config{Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = plain.Close() })

	_, err = plain.Probe(probeCtx(t), loopback)
	assert.Error(t, err)
}
