package pool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// Factory constructs an unstarted pool backend.
type Factory func(Args) Backend

// Implementation describes one pool backend.
type Implementation struct {
	Name      string
	Algorithm work.Algorithm
	// Protocol is the URL scheme selecting this backend.
	Protocol string
	Aliases  []string
	Factory  Factory
}

func (i Implementation) speaks(protocol string) bool {
	if strings.EqualFold(i.Protocol, protocol) {
		return true
	}
	for _, a := range i.Aliases {
		if strings.EqualFold(a, protocol) {
			return true
		}
	}
	return false
}

var implementations = []Implementation{
	{
		Name:      "EthashStratum2",
		Algorithm: work.Ethash,
		Protocol:  "stratum2",
		Aliases:   []string{"ethproxy"},
		Factory:   NewEthashStratum,
	},
	{
		Name:      "SHA256dStratum",
		Algorithm: work.SHA256d,
		Protocol:  "stratum",
		Factory:   NewSHA256dStratum,
	},
	{
		Name:      "GrinStratum",
		Algorithm: work.Cuckatoo31,
		Protocol:  "grin",
		Factory:   NewGrinStratum,
	},
}

// Implementations lists every registered backend.
func Implementations() []Implementation {
	return append([]Implementation(nil), implementations...)
}

// LookupName finds a backend by implementation name.
func LookupName(name string) (Implementation, bool) {
	for _, impl := range implementations {
		if strings.EqualFold(impl.Name, name) {
			return impl, true
		}
	}
	return Implementation{}, false
}

// LookupProtocol finds the backend speaking protocol (or one of its aliases).
func LookupProtocol(protocol string) (Implementation, bool) {
	for _, impl := range implementations {
		if impl.speaks(protocol) {
			return impl, true
		}
	}
	return Implementation{}, false
}

// Protocols returns every accepted protocol name, sorted.
func Protocols() []string {
	var out []string
	for _, impl := range implementations {
		out = append(out, impl.Protocol)
		out = append(out, impl.Aliases...)
	}
	sort.Strings(out)
	return out
}

// MakePool builds the backend for protocol. When algorithm is not Unknown the
// backend must mine it.
func MakePool(algorithm work.Algorithm, protocol string, args Args) (Backend, error) {
	impl, ok := LookupProtocol(protocol)
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "make_pool",
			fmt.Sprintf("unknown pool protocol %q, expected one of %s", protocol, strings.Join(Protocols(), ", ")))
	}
	if algorithm != work.Unknown && impl.Algorithm != algorithm {
		return nil, errors.New(errors.ErrorTypeConfig, "make_pool",
			fmt.Sprintf("protocol %q mines %s, not %s", protocol, impl.Algorithm, algorithm))
	}
	return impl.Factory(args), nil
}
