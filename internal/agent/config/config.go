// Package config is the Agent binary's flag surface. spec.md §6 only
// enumerates Console/Comet CLI flags explicitly; these mirror the
// fields the Agent presents in its hello payload (spec.md §4.B) plus
// the operational knobs spec.md §4.A's failure semantics call for
// (output cap, SIGKILL grace).
package config

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
)

type Config struct {
	Debug bool

	CometAddr   string
	CometSecret string

	Namespace string
	IP        string
	MacAddr   string
	SysUser   string
	SSHPort   int

	AssignUsername string
	AssignPassword string

	MaxOutputBytes int
	KillGrace      int
}

func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	cfg := &Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&cfg.CometAddr, "comet-addr", "127.0.0.1:3000", "Comet host:port to dial")
	fs.StringVar(&cfg.CometSecret, "secret", "", "comet_secret shared with Comet/Console")
	fs.StringVar(&cfg.Namespace, "namespace", "default", "fleet partition this agent belongs to")
	fs.StringVar(&cfg.IP, "ip", "", "this node's reachable ip (default: first non-loopback interface)")
	fs.StringVar(&cfg.MacAddr, "mac-addr", "", "this node's mac address (default: first non-loopback interface)")
	fs.StringVar(&cfg.SysUser, "sys-user", "root", "system user subprocesses run as")
	fs.IntVar(&cfg.SSHPort, "ssh-port", 22, "local sshd port the agent dials for ssh_open")
	fs.StringVar(&cfg.AssignUsername, "assign-username", "", "pre-assigned ssh username issued out of band")
	fs.StringVar(&cfg.AssignPassword, "assign-password", "", "pre-assigned ssh password issued out of band")
	fs.IntVar(&cfg.MaxOutputBytes, "max-output-bytes", 1<<20, "per-run output cap before truncation")
	fs.IntVar(&cfg.KillGrace, "kill-grace", 10, "seconds between SIGTERM and SIGKILL on timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.IP == "" || cfg.MacAddr == "" {
		ip, mac, err := localAddr()
		if err != nil {
			return nil, fmt.Errorf("config_invalid: %w", err)
		}
		if cfg.IP == "" {
			cfg.IP = ip
		}
		if cfg.MacAddr == "" {
			cfg.MacAddr = mac
		}
	}
	return cfg, nil
}

func localAddr() (ip, mac string, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String(), iface.HardwareAddr.String(), nil
			}
		}
	}
	return "", "", fmt.Errorf("no usable non-loopback interface found")
}
