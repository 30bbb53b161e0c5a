package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/netplay"
	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/store"
	"github.com/saintparish4/rendezvous/pkg/stun"
)

type netplayShell struct {
	ctrl       *netplay.Controller
	stun       *stun.Client
	session    *holepunch.Session
	level      *slog.LevelVar
	roomServer string
}

func (s *netplayShell) register(shell *ishell.Shell) {
	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) { s.level.Set(slog.LevelDebug) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) { s.level.Set(slog.LevelInfo) },
	})

	shell.AddCmd(&ishell.Cmd{
		Name:     "host",
		Help:     "generate a connection code for this device",
		LongHelp: "host [local-port] [secret]\nWith a secret the code is the plain host:port:secret form.",
		Func:     s.host,
	})
	join := &ishell.Cmd{
		Name:     "join",
		Help:     "enter code-paste mode, or decode a code directly",
		LongHelp: "join [code] [local-port]",
		Func:     s.join,
	}
	shell.AddCmd(join)
	shell.AddCmd(&ishell.Cmd{
		Name: "invite",
		Help: "accept an invite link",
		Func: s.invite,
	})
	shell.AddCmd(&ishell.Cmd{
		Name:     "room",
		Help:     "rendezvous through a room server",
		LongHelp: "room <code> [local-port] [server-url]\nThe password is prompted for.",
		Func:     s.room,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "cancel",
		Help: "abort the current operation and clear the session",
		Func: func(c *ishell.Context) { report(c, s.ctrl.Cancel()) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name:     "netplay",
		Help:     "turn netplay on or off",
		LongHelp: "netplay on|off",
		Func:     s.netplay,
	})
	shell.AddCmd(&ishell.Cmd{
		Name:     "start",
		Help:     "launch the session",
		LongHelp: "start [core-path] [rom-path]",
		Func:     s.start,
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show the connection panel",
		Func: func(c *ishell.Context) { printSnapshot(c, s.ctrl.Snapshot()) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name:     "discover",
		Help:     "discover the public endpoint of a local UDP port via STUN",
		LongHelp: "discover [local-port]",
		Func:     s.discover,
	})
}

func (s *netplayShell) host(c *ishell.Context) {
	port, err := s.localPort(c.Args, 0)
	if err != nil {
		c.Err(err)
		return
	}
	opts := netplay.HostOptions{LocalPort: port}
	if len(c.Args) > 1 {
		opts.Secret = c.Args[1]
	}
	if err := <-s.ctrl.StartHost(opts); err != nil {
		c.Err(err)
		return
	}
	snap := s.ctrl.Snapshot()
	c.Println("Connection code:", snap.Code)
	c.Println("Invite link:    ", snap.InviteLink)
}

func (s *netplayShell) join(c *ishell.Context) {
	snap := s.ctrl.Snapshot()
	if snap.State != netplay.StateJoinInput {
		if err := <-s.ctrl.JoinIntent(); err != nil {
			c.Err(err)
			return
		}
	}

	var code string
	if len(c.Args) > 0 {
		code = c.Args[0]
	} else {
		c.Print("Paste connection code: ")
		code = c.ReadLine()
	}
	port, err := s.localPort(c.Args, 1)
	if err != nil {
		c.Err(err)
		return
	}
	if err := <-s.ctrl.SubmitCode(code, port); err != nil {
		c.Err(err)
		return
	}
	c.Println("Remote:", s.ctrl.Snapshot().Remote)
}

func (s *netplayShell) invite(c *ishell.Context) {
	link := strings.Join(c.Args, " ")
	if link == "" {
		c.Print("Invite link: ")
		link = c.ReadLine()
	}
	if err := <-s.ctrl.HandleInviteLink(link); err != nil {
		c.Err(err)
		return
	}
	c.Println("Remote:", s.ctrl.Snapshot().Remote)
}

func (s *netplayShell) room(c *ishell.Context) {
	if len(c.Args) == 0 {
		c.Err(errors.New("usage: room <code> [local-port] [server-url]"))
		return
	}
	port, err := s.localPort(c.Args, 1)
	if err != nil {
		c.Err(err)
		return
	}
	url := s.ctrl.Snapshot().RoomServerURL
	if s.roomServer != "" {
		url = s.roomServer
	}
	if len(c.Args) > 2 {
		url = c.Args[2]
	}

	c.Print("Room password: ")
	password := c.ReadPassword()

	c.Println("Connecting to room...")
	err = <-s.ctrl.ConnectRoom(netplay.RoomOptions{
		ServerURL: url,
		Code:      c.Args[0],
		Password:  password,
		LocalPort: port,
	})
	if err != nil {
		c.Err(err)
		return
	}
	snap := s.ctrl.Snapshot()
	c.Printf("Role: %s   Remote: %s\n", snap.Role, snap.Remote)
}

func (s *netplayShell) netplay(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Err(errors.New("usage: netplay on|off"))
		return
	}
	switch strings.ToLower(c.Args[0]) {
	case "on", "true", "1":
		report(c, s.ctrl.SetNetplayEnabled(true))
	case "off", "false", "0":
		report(c, s.ctrl.SetNetplayEnabled(false))
	default:
		c.Err(fmt.Errorf("unknown value %q", c.Args[0]))
	}
}

func (s *netplayShell) start(c *ishell.Context) {
	var opts netplay.LaunchOptions
	if len(c.Args) > 0 {
		opts.CorePath = c.Args[0]
	}
	if len(c.Args) > 1 {
		opts.ROMPath = c.Args[1]
	}
	if err := <-s.ctrl.Launch(opts); err != nil {
		c.Err(err)
		return
	}
	c.Println("Session started.")
}

func (s *netplayShell) discover(c *ishell.Context) {
	port, err := s.localPort(c.Args, 0)
	if err != nil {
		c.Err(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.Printf("Discovering public endpoint of UDP %d using %s\n", port, strings.Join(s.stun.Servers, ", "))
	ep, err := s.stun.MappedAddress(ctx, port)
	if err != nil {
		c.Err(fmt.Errorf("discovery failed: %w", err))
		return
	}
	c.Println("Public endpoint:", ep)
	if lan := netutil.LANIPv4(); lan != "" {
		c.Println("LAN address:    ", lan)
	}
}

// statusPrinter prints status text whenever it changes
func (s *netplayShell) statusPrinter(shell *ishell.Shell) func(netplay.Snapshot) {
	var last string
	return func(snap netplay.Snapshot) {
		if snap.Status == "" || snap.Status == last {
			return
		}
		last = snap.Status
		shell.Println("[" + snap.State.String() + "] " + strings.ReplaceAll(snap.Status, "\n\n", " "))
	}
}

func printSnapshot(c *ishell.Context, snap netplay.Snapshot) {
	onOff := map[bool]string{true: "on", false: "off"}
	c.Printf("State:    %s\n", snap.State)
	c.Printf("Netplay:  %s\n", onOff[snap.NetplayEnabled])
	c.Printf("Role:     %s\n", snap.Role)
	if snap.Status != "" {
		c.Printf("Status:   %s\n", strings.ReplaceAll(snap.Status, "\n\n", " "))
	}
	if snap.Code != "" {
		c.Printf("Code:     %s\n", snap.Code)
	}
	if snap.InviteLink != "" {
		c.Printf("Invite:   %s\n", snap.InviteLink)
	}
	if snap.SelfEndpoint != "" {
		c.Printf("Public:   %s\n", snap.SelfEndpoint)
	}
	if snap.Remote != "" {
		c.Printf("Remote:   %s\n", snap.Remote)
	}
	if snap.RoomCode != "" {
		c.Printf("Room:     %s\n", snap.RoomCode)
	}
	c.Printf("Launch:   %s\n", map[bool]string{true: "available", false: "unavailable"}[snap.CanLaunch()])
	if snap.Launched {
		c.Printf("Native:   %s (playing: %t)\n", snap.NetplayStatus, snap.Playing)
	}
}

// portArg parses args[i] as a UDP port; missing means 0
func portArg(args []string, i int) (uint16, error) {
	if len(args) <= i || args[i] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", args[i])
	}
	return uint16(n), nil
}

// localPort is args[i] or the saved port
func (s *netplayShell) localPort(args []string, i int) (uint16, error) {
	port, err := portArg(args, i)
	if err != nil || port != 0 {
		return port, err
	}
	if port = s.ctrl.Snapshot().LocalPort; port == 0 {
		port = store.DefaultLocalPort
	}
	return port, nil
}

func report(c *ishell.Context, err error) {
	if err != nil {
		c.Err(err)
	}
}
