// Package transport describes media channels and the datagram endpoints the sender and
// receiver agents poll.
//
// A channel is written udp://host:port with an optional interface query parameter. A
// host in the multicast range makes the channel multicast. Implementations of Network
// live in the udp (real sockets) and memnet (in-memory, for tests) subpackages.
package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/termstream/errors"
)

// Scheme is the only supported channel scheme.
const Scheme = "udp"

// Channel is a parsed channel URI.
type Channel struct {
	Host      string
	Port      int
	Interface string
	Multicast bool
}

// ParseChannel parses udp://host:port[?interface=name].
func ParseChannel(uri string) (Channel, error) {
	invalid := func(reason string) (Channel, error) {
		return Channel{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q: %s", errors.ErrInvalidChannel, uri, reason),
			"transport", "ParseChannel", "parse channel")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return invalid(err.Error())
	}
	if u.Scheme != Scheme {
		return invalid("scheme must be " + Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return invalid("unexpected path")
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return invalid(err.Error())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return invalid("port out of range")
	}
	if host == "" {
		return invalid("missing host")
	}

	ch := Channel{Host: strings.ToLower(host), Port: port}
	for key, values := range u.Query() {
		switch key {
		case "interface":
			ch.Interface = values[0]
		default:
			return invalid("unknown parameter " + key)
		}
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsMulticast() {
		ch.Multicast = true
	}
	return ch, nil
}

// Address returns host:port.
func (c Channel) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String returns the canonical URI. Two URIs naming the same channel share it.
func (c Channel) String() string {
	s := Scheme + "://" + c.Address()
	if c.Interface != "" {
		s += "?interface=" + c.Interface
	}
	return s
}

// Hash keys endpoint maps by canonical channel.
func (c Channel) Hash() uint64 {
	return xxhash.Sum64String(c.String())
}
