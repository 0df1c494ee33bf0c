package proxy

import (
	"fmt"
	"strings"
)

// Scheme is one of the transports a proxy can speak.
type Scheme uint8

const (
	HTTP Scheme = iota
	HTTPS
	Connect80
	Connect25
	SOCKS4
	SOCKS5

	numSchemes
)

// AllSchemes lists every scheme in priority-neutral declaration order.
var AllSchemes = []Scheme{HTTP, HTTPS, Connect80, Connect25, SOCKS4, SOCKS5}

func (s Scheme) String() string {
	switch s {
	case HTTP:
		return "HTTP"
	case HTTPS:
		return "HTTPS"
	case Connect80:
		return "CONNECT:80"
	case Connect25:
		return "CONNECT:25"
	case SOCKS4:
		return "SOCKS4"
	case SOCKS5:
		return "SOCKS5"
	default:
		return "UNKNOWN"
	}
}

// ParseScheme converts the wire name of a scheme back to its value.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "HTTP":
		return HTTP, nil
	case "HTTPS":
		return HTTPS, nil
	case "CONNECT:80":
		return Connect80, nil
	case "CONNECT:25":
		return Connect25, nil
	case "SOCKS4":
		return SOCKS4, nil
	case "SOCKS5":
		return SOCKS5, nil
	}
	return 0, fmt.Errorf("unknown scheme %q", name)
}

// SchemeSet is a bitset of schemes.
type SchemeSet uint8

func NewSchemeSet(schemes ...Scheme) SchemeSet {
	var set SchemeSet
	for _, s := range schemes {
		set = set.Add(s)
	}
	return set
}

func (set SchemeSet) Add(s Scheme) SchemeSet { return set | 1<<s }

func (set SchemeSet) Remove(s Scheme) SchemeSet { return set &^ (1 << s) }

func (set SchemeSet) Has(s Scheme) bool { return set&(1<<s) != 0 }

func (set SchemeSet) Empty() bool { return set == 0 }

func (set SchemeSet) Len() int {
	n := 0
	for _, s := range AllSchemes {
		if set.Has(s) {
			n++
		}
	}
	return n
}

// Schemes returns the members in declaration order.
func (set SchemeSet) Schemes() []Scheme {
	var out []Scheme
	for _, s := range AllSchemes {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (set SchemeSet) String() string {
	names := make([]string, 0, set.Len())
	for _, s := range set.Schemes() {
		names = append(names, s.String())
	}
	return strings.Join(names, ",")
}

// Family is the client-facing traffic class the server routes.
type Family uint8

const (
	FamilyHTTP Family = iota
	FamilyHTTPS
)

func (f Family) String() string {
	if f == FamilyHTTPS {
		return "HTTPS"
	}
	return "HTTP"
}

// Deterministic per-family protocol priority used by the server and pool.
var (
	HTTPFamilyOrder  = []Scheme{HTTP, Connect80, SOCKS5, SOCKS4}
	HTTPSFamilyOrder = []Scheme{HTTPS, SOCKS5, SOCKS4}
)

// FamilyOrder returns the protocol preference list for a family.
func FamilyOrder(f Family) []Scheme {
	if f == FamilyHTTPS {
		return HTTPSFamilyOrder
	}
	return HTTPFamilyOrder
}

// Anonymity is how much a proxy reveals about its client.
type Anonymity uint8

const (
	// AnonNone marks schemes where anonymity is inherent (SOCKS, CONNECT).
	AnonNone Anonymity = iota
	AnonTransparent
	AnonAnonymous
	AnonHigh
)

func (a Anonymity) String() string {
	switch a {
	case AnonTransparent:
		return "Transparent"
	case AnonAnonymous:
		return "Anonymous"
	case AnonHigh:
		return "High"
	default:
		return ""
	}
}

// ParseAnonymity accepts the textual form; "" maps to AnonNone.
func ParseAnonymity(name string) (Anonymity, error) {
	switch strings.TrimSpace(name) {
	case "":
		return AnonNone, nil
	case "Transparent":
		return AnonTransparent, nil
	case "Anonymous":
		return AnonAnonymous, nil
	case "High":
		return AnonHigh, nil
	}
	return 0, fmt.Errorf("unknown anonymity level %q", name)
}
