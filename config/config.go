// Package config implements the recognized configuration options from
// spec §6.4: apilisten, api_max_addresses, datadir, blockdatadir, api.
package config

import (
	"net"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultAPIMaxAddresses = 50000
	defaultDataDirname     = "data"
)

// Flags is the set of recognized configuration options. It is meant to be
// embedded the way kasparovd's Config embeds config.KasparovFlags.
type Flags struct {
	APIListen       []string `long:"apilisten" description:"Bind address(es) for the API server; 'localhost' expands to v4+v6 loopback, '0.0.0.0' expands to every local interface"`
	APIMaxAddresses int      `long:"api_max_addresses" description:"Upper bound on script-hashes per connection's address filter; -1 means unlimited" default:"50000"`
	DataDir         string   `long:"datadir" description:"Base directory; UTXO files live under it"`
	BlockDataDir    []string `long:"blockdatadir" description:"Additional read-only search path for block files (repeatable)"`
	APIEnabled      bool     `long:"api" description:"Enable the API server" default:"true"`
}

// Default returns a Flags populated with this module's defaults, matching
// spec §6.4 ("Default: loopback only" for apilisten, "Default on" for api).
func Default() *Flags {
	return &Flags{
		APIListen:       []string{"127.0.0.1", "::1"},
		APIMaxAddresses: defaultAPIMaxAddresses,
		DataDir:         defaultDataDirname,
		APIEnabled:      true,
	}
}

// Parse parses args (typically os.Args[1:]) into a Flags, the same flags.NewParser pattern the
// teacher's kasparovd/config/config.go uses.
func Parse(args []string) (*Flags, error) {
	f := Default()
	parser := flags.NewParser(f, flags.PrintErrors|flags.HelpFlag)
	_, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return f, nil
}

// normalize expands the apilisten shorthand hostnames per spec §6.4 and
// validates the other fields.
func (f *Flags) normalize() error {
	expanded := make([]string, 0, len(f.APIListen))
	for _, addr := range f.APIListen {
		switch addr {
		case "localhost":
			expanded = append(expanded, "127.0.0.1", "::1")
		case "0.0.0.0":
			ifaces, err := net.InterfaceAddrs()
			if err != nil {
				return errors.Wrap(err, "failed to enumerate local interfaces for 0.0.0.0")
			}
			for _, ifaceAddr := range ifaces {
				ipNet, ok := ifaceAddr.(*net.IPNet)
				if !ok {
					continue
				}
				expanded = append(expanded, ipNet.IP.String())
			}
		default:
			expanded = append(expanded, addr)
		}
	}
	f.APIListen = expanded

	if f.APIMaxAddresses < -1 {
		return errors.Errorf("api_max_addresses must be -1 or >= 0, got %d", f.APIMaxAddresses)
	}
	if f.DataDir == "" {
		return errors.New("datadir must not be empty")
	}
	return nil
}

// UTXODataDir returns the directory the UtxoEngine should open, per spec
// §6.4 ("datadir = path | Base directory (UTXO files live under it)").
func (f *Flags) UTXODataDir() string {
	return filepath.Join(f.DataDir, "utxo")
}

// AddressLimit returns the connection-level address filter bound, with
// -1 (unlimited) translated to a very large sentinel so callers can treat
// it as an ordinary int comparison.
func (f *Flags) AddressLimit() int {
	if f.APIMaxAddresses == -1 {
		return int(^uint(0) >> 1)
	}
	return f.APIMaxAddresses
}
