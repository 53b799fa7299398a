package ssrf

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ips map[string][]net.IP
	err error
}

func (f *fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ips[host], nil
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{
		"10.1.2.3", "172.16.0.1", "172.31.255.255", "192.168.0.1",
		"127.0.0.1", "169.254.169.254", "100.64.0.1", "0.0.0.0",
		"::1", "fc00::1", "fe80::1", "::ffff:192.168.1.1",
	}
	for _, s := range private {
		assert.True(t, IsPrivateIP(net.ParseIP(s)), s)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}
	for _, s := range public {
		assert.False(t, IsPrivateIP(net.ParseIP(s)), s)
	}

	assert.True(t, IsPrivateIP(nil))
}

func TestAllowedPort(t *testing.T) {
	assert.True(t, AllowedPort(""))
	assert.True(t, AllowedPort("80"))
	assert.True(t, AllowedPort("443"))
	assert.True(t, AllowedPort("8443"))
	assert.False(t, AllowedPort("22"))
	assert.False(t, AllowedPort("6379"))
	assert.False(t, AllowedPort("abc"))
}

func TestIsBlockedHostname(t *testing.T) {
	assert.True(t, IsBlockedHostname("localhost"))
	assert.True(t, IsBlockedHostname("LOCALHOST"))
	assert.True(t, IsBlockedHostname("metadata.google.internal"))
	assert.True(t, IsBlockedHostname("169.254.169.254"))
	assert.True(t, IsBlockedHostname("192.168.1.10"))
	assert.False(t, IsBlockedHostname("example.com"))
	assert.False(t, IsBlockedHostname("8.8.8.8"))
}

func TestCheckHostnameFailClosedOnDNSError(t *testing.T) {
	guard := NewGuardWithResolver(&fakeResolver{err: errors.New("servfail")})
	err := guard.CheckHostname(context.Background(), "example.com")
	require.Error(t, err)
}

func TestCheckHostnameRejectsPrivateResolution(t *testing.T) {
	guard := NewGuardWithResolver(&fakeResolver{ips: map[string][]net.IP{
		"rebind.example": {net.ParseIP("8.8.8.8"), net.ParseIP("10.0.0.5")},
	}})
	err := guard.CheckHostname(context.Background(), "rebind.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private")
}

func TestCheckHostnameAcceptsPublicResolution(t *testing.T) {
	guard := NewGuardWithResolver(&fakeResolver{ips: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34")},
	}})
	require.NoError(t, guard.CheckHostname(context.Background(), "example.com"))
}

func TestValidateOutboundURL(t *testing.T) {
	guard := NewGuardWithResolver(&fakeResolver{ips: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34")},
	}})
	ctx := context.Background()

	require.NoError(t, guard.ValidateOutboundURL(ctx, "https://example.com/shot.png"))

	assert.Error(t, guard.ValidateOutboundURL(ctx, "ftp://example.com/x"))
	assert.Error(t, guard.ValidateOutboundURL(ctx, "file:///etc/passwd"))
	assert.Error(t, guard.ValidateOutboundURL(ctx, "https://example.com:6379/x"))
	assert.Error(t, guard.ValidateOutboundURL(ctx, "http://127.0.0.1/x"))
	assert.Error(t, guard.ValidateOutboundURL(ctx, "http://169.254.169.254/latest/meta-data"))
	assert.Error(t, guard.ValidateOutboundURL(ctx, "http://unknown.internal/x"))
}
