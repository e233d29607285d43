// Package config holds the ICE adapter's immutable startup configuration:
// command-line flags layered over an optional TOML file, plus the
// one-shot DNS resolution of the STUN/TURN hosts performed at startup.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
)

// Options is the adapter's configuration, immutable once Parse and Resolve
// have run.
// Field names mirror the command-line flag names from spec §6.
type Options struct {
	PlayerID    int    `toml:"player_id" json:"player_id"`
	PlayerLogin string `toml:"player_login" json:"player_login"`
	RPCPort     int    `toml:"rpc_port" json:"rpc_port"`
	GPGNetPort  int    `toml:"gpgnet_port" json:"gpgnet_port"`
	GameUDPPort int    `toml:"game_udp_port" json:"game_udp_port"`
	StunHost    string `toml:"stun_host" json:"stun_host"`
	TurnHost    string `toml:"turn_host" json:"turn_host"`
	TurnUser    string `toml:"turn_user" json:"turn_user"`
	TurnPass    string `toml:"turn_pass" json:"-"`
	LogFile     string `toml:"log_file" json:"log_file"`

	// StunAddr and TurnAddr are the resolved "ip:port" literals for
	// StunHost/TurnHost, cached once at startup by Resolve. Empty until
	// Resolve is called.
	StunAddr string `toml:"-" json:"stun_addr,omitempty"`
	TurnAddr string `toml:"-" json:"turn_addr,omitempty"`

	// Verbose gates debug-level logging. CLI-only, not a TOML field.
	Verbose bool `toml:"-" json:"-"`
}

// Parse builds an Options from the given command-line arguments, with an
// optional "--config" TOML file supplying defaults that explicit flags
// override. args should not include the program name (i.e. pass
// os.Args[1:]).
func Parse(args []string) (*Options, error) {
	fs := flag.NewFlagSet("ice-adapter", flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, "config", "", "optional TOML file providing defaults for the flags below")

	opts := &Options{}
	fs.IntVar(&opts.PlayerID, "player_id", 0, "local player id")
	fs.StringVar(&opts.PlayerLogin, "player_login", "", "local player login")
	fs.IntVar(&opts.RPCPort, "rpc_port", 7236, "JSON-RPC TCP listen port")
	fs.IntVar(&opts.GPGNetPort, "gpgnet_port", 7237, "GPGNet TCP listen port")
	fs.IntVar(&opts.GameUDPPort, "game_udp_port", 0, "UDP port the game listens on for inbound peer traffic")
	fs.StringVar(&opts.StunHost, "stun_host", "", "STUN server hostname")
	fs.StringVar(&opts.TurnHost, "turn_host", "", "TURN server hostname")
	fs.StringVar(&opts.TurnUser, "turn_user", "", "TURN username")
	fs.StringVar(&opts.TurnPass, "turn_pass", "", "TURN password")
	fs.StringVar(&opts.LogFile, "log_file", "", "path to write logs to (default: stderr)")
	fs.BoolVar(&opts.Verbose, "verbose", false, "enable debug-level logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		fileOpts, err := loadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
		opts = mergeDefaults(opts, fileOpts, flagSet(fs))
	}

	return opts, nil
}

// loadFile reads a TOML config file into an Options.
func loadFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fileOpts Options
	if err := toml.Unmarshal(data, &fileOpts); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	return &fileOpts, nil
}

// flagSet returns the set of flag names explicitly passed on the command
// line, so that mergeDefaults only fills in fields the user didn't
// override.
func flagSet(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// mergeDefaults overwrites fields in cli (including flag defaults) with the
// file's value wherever the file sets a non-zero value, skipping any field
// whose corresponding flag was explicitly set.
func mergeDefaults(cli, file *Options, explicit map[string]bool) *Options {
	if !explicit["player_id"] && file.PlayerID != 0 {
		cli.PlayerID = file.PlayerID
	}
	if !explicit["player_login"] && file.PlayerLogin != "" {
		cli.PlayerLogin = file.PlayerLogin
	}
	if !explicit["rpc_port"] && file.RPCPort != 0 {
		cli.RPCPort = file.RPCPort
	}
	if !explicit["gpgnet_port"] && file.GPGNetPort != 0 {
		cli.GPGNetPort = file.GPGNetPort
	}
	if !explicit["game_udp_port"] && file.GameUDPPort != 0 {
		cli.GameUDPPort = file.GameUDPPort
	}
	if !explicit["stun_host"] && file.StunHost != "" {
		cli.StunHost = file.StunHost
	}
	if !explicit["turn_host"] && file.TurnHost != "" {
		cli.TurnHost = file.TurnHost
	}
	if !explicit["turn_user"] && file.TurnUser != "" {
		cli.TurnUser = file.TurnUser
	}
	if !explicit["turn_pass"] && file.TurnPass != "" {
		cli.TurnPass = file.TurnPass
	}
	if !explicit["log_file"] && file.LogFile != "" {
		cli.LogFile = file.LogFile
	}
	return cli
}

// defaultStunTurnPort is used when StunHost/TurnHost name a bare hostname
// with no ":port" suffix — 3478 is the IANA-assigned STUN/TURN port and the
// coturn/FAF convention this adapter's hosts are expected to follow.
const defaultStunTurnPort = "3478"

// Resolve performs the one-shot DNS resolution of StunHost/TurnHost into
// cached "ip:port" literals that iceagent.Config.StunAddr/TurnAddr expects.
// Resolution failure is fatal at startup per spec §3.
func (o *Options) Resolve() error {
	stunAddr, err := resolveHostPort(o.StunHost)
	if err != nil {
		return fmt.Errorf("resolving STUN host %s: %w", o.StunHost, err)
	}
	o.StunAddr = stunAddr

	turnAddr, err := resolveHostPort(o.TurnHost)
	if err != nil {
		return fmt.Errorf("resolving TURN host %s: %w", o.TurnHost, err)
	}
	o.TurnAddr = turnAddr

	return nil
}

// resolveHostPort resolves the host part of a "host" or "host:port" string
// to its first returned IP literal, preserving (or defaulting) the port —
// iceagent needs a dialable "ip:port", not a bare IP.
func resolveHostPort(hostport string) (string, error) {
	if hostport == "" {
		return "", fmt.Errorf("empty host")
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No ":port" suffix; treat the whole string as the host.
		host = hostport
		port = defaultStunTurnPort
	}

	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, port), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses found")
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}
