package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddressList parses a comma-separated list of hex addresses, the
// format the --whitelist/--blacklist flags and the BUNDLER_WHITELIST/
// BUNDLER_BLACKLIST environment variables share. Blank entries (from a trailing comma or an empty string) are
// skipped rather than rejected.
func ParseAddressList(s string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("config: invalid address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}

// addressListValue implements flag.Value so --whitelist/--blacklist can bind
// directly to a []common.Address field.
type addressListValue struct {
	p *[]common.Address
}

// AddressListValue returns a flag.Value bound to p.
func AddressListValue(p *[]common.Address) interface {
	String() string
	Set(string) error
} {
	return &addressListValue{p: p}
}

func (v *addressListValue) String() string {
	if v.p == nil || len(*v.p) == 0 {
		return ""
	}
	parts := make([]string, len(*v.p))
	for i, addr := range *v.p {
		parts[i] = addr.Hex()
	}
	return strings.Join(parts, ",")
}

func (v *addressListValue) Set(s string) error {
	addrs, err := ParseAddressList(s)
	if err != nil {
		return err
	}
	*v.p = addrs
	return nil
}
