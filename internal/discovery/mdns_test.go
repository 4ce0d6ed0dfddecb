package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func entry(instance string, port int, v4, v6 []net.IP, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, "_collabtext._tcp", "local.")
	e.Port = port
	e.AddrIPv4 = v4
	e.AddrIPv6 = v6
	e.Text = txt
	return e
}

func TestFromEntry(t *testing.T) {
	r, ok := fromEntry(entry("host-a", 6969, []net.IP{net.ParseIP("192.168.1.20")}, nil, "txtv=0", "doc=paper.tex"))
	assert.True(t, ok)
	assert.Equal(t, Relay{Instance: "host-a", Addr: "192.168.1.20:6969", Document: "paper.tex"}, r)

	r, ok = fromEntry(entry("host-b", 7000, nil, []net.IP{net.ParseIP("fe80::1")}))
	assert.True(t, ok)
	assert.Equal(t, "[fe80::1]:7000", r.Addr)
	assert.Empty(t, r.Document)
}

func TestFromEntry_Unusable(t *testing.T) {
	_, ok := fromEntry(nil)
	assert.False(t, ok)

	_, ok = fromEntry(entry("no-addr", 6969, nil, nil))
	assert.False(t, ok)

	_, ok = fromEntry(entry("no-port", 0, []net.IP{net.ParseIP("10.0.0.1")}, nil))
	assert.False(t, ok)
}

func TestAdvertisement_NilShutdown(t *testing.T) {
	var a *Advertisement
	a.Shutdown()
}
