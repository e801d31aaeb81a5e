package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crackbandicoot-dot/linkchat/internal/config"
	"github.com/crackbandicoot-dot/linkchat/internal/engine"
	"github.com/crackbandicoot-dot/linkchat/internal/event"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "linkchat",
	Short: "Chat and file transfer over raw Ethernet.",
	Long: `Link-Chat — peer-to-peer chat and file transfer at Layer 2.

No IP. No server. Peers on the same broadcast domain find each other
over raw Ethernet frames and exchange messages and files directly,
MAC to MAC.`,
}

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Link-Chat node on an interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaceName, _ := cmd.Flags().GetString("iface")
		name, _ := cmd.Flags().GetString("name")
		dir, _ := cmd.Flags().GetString("dir")
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if cfgPath != "" {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		}
		if ifaceName != "" {
			cfg.Interface = ifaceName
		}
		if name != "" {
			cfg.Name = name
		}
		if dir != "" {
			cfg.DownloadDir = dir
		}
		if cfg.Interface == "" {
			return fmt.Errorf("no interface: pass --iface or set it in the config (try 'linkchat interfaces')")
		}
		if cfg.Name == "" {
			host, _ := os.Hostname()
			cfg.Name = host
		}

		eng, err := engine.New(engine.Options{
			Interface: cfg.Interface,
			Name:      cfg.Name,
			Params:    cfg,
		})
		if err != nil {
			return err
		}

		eng.Subscribe(event.PeerUp, func(e event.Event) {
			fmt.Printf("\n+ %s (%s) is online\n> ", peerLabel(e.Name, e.Peer), e.Peer)
		})
		eng.Subscribe(event.PeerDown, func(e event.Event) {
			fmt.Printf("\n- %s (%s) went away\n> ", peerLabel(e.Name, e.Peer), e.Peer)
		})
		eng.Subscribe(event.MessageReceived, func(e event.Event) {
			fmt.Printf("\n[%s] %s\n> ", e.Peer, e.Text)
		})
		eng.Subscribe(event.FileOffer, func(e event.Event) {
			fmt.Printf("\n%s offers %q (%d bytes) — auto-accepting\n> ", e.Peer, e.Filename, e.Total)
		})
		eng.Subscribe(event.FileReceived, func(e event.Event) {
			if e.DigestOK {
				fmt.Printf("\nreceived %q from %s -> %s\n> ", e.Filename, e.Peer, e.Path)
			} else {
				fmt.Printf("\ntransfer of %q from %s failed: %v\n> ", e.Filename, e.Peer, e.Err)
			}
		})
		eng.Subscribe(event.FileSendDone, func(e event.Event) {
			fmt.Printf("\nsent %q to %s (%d bytes)\n> ", e.Filename, e.Peer, e.Total)
		})
		eng.Subscribe(event.FileSendFailed, func(e event.Event) {
			fmt.Printf("\nsend of %q to %s failed: %v\n> ", e.Filename, e.Peer, e.Err)
		})
		eng.Subscribe(event.TransportError, func(e event.Event) {
			fmt.Printf("\ntransport error: %v\n> ", e.Err)
		})

		if err := eng.Start(); err != nil {
			return err
		}
		defer eng.Stop()

		fmt.Printf("linkchat %s  |  %s on %s (%s)  |  saving to %s\n",
			version, cfg.Name, cfg.Interface, eng.LocalMAC(), cfg.DownloadDir)
		fmt.Println("Type 'help' for commands, Ctrl-C to exit.")
		fmt.Print("> ")

		go console(eng)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nGoodbye.")
		return nil
	},
}

const consoleHelp = `Commands:
  peers                      List known peers
  send <mac|*> <message>     Send text to a peer, or '*' to broadcast
  sendfile <mac> <path>      Transfer a file to a peer
  status                     Show drop counters
  help                       Show this message`

func console(eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "peers":
			peers := eng.Peers()
			if len(peers) == 0 {
				fmt.Println("no peers yet — stations announce every few seconds")
			}
			for _, p := range peers {
				fmt.Printf("  %-18s %-20s %-7s last seen %s\n",
					p.MAC, peerLabel(p.Name, p.MAC), p.State, p.LastSeen.Format("15:04:05"))
			}
		case "send":
			if len(parts) < 3 {
				fmt.Println("usage: send <mac|*> <message>")
				break
			}
			dst, err := parseDest(parts[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			if err := eng.SendText(dst, parts[2]); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "sendfile":
			if len(parts) < 3 {
				fmt.Println("usage: sendfile <mac> <path>")
				break
			}
			dst, err := frame.ParseMAC(parts[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			id, err := eng.SendFile(dst, parts[2])
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Printf("transfer %d started\n", id)
			}
		case "status":
			s := eng.Stats()
			fmt.Printf("parse errors: %d  protocol errors: %d  dispatcher overflows: %d\n",
				s.ParseErrors, s.ProtocolErrors, s.DispatcherOverflows)
		case "help", "?":
			fmt.Println(consoleHelp)
		default:
			fmt.Printf("unknown command: %s (type 'help')\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func parseDest(s string) (frame.MAC, error) {
	if s == "*" {
		return frame.Broadcast, nil
	}
	return frame.ParseMAC(s)
}

func peerLabel(name string, mac frame.MAC) string {
	if name != "" {
		return name
	}
	return mac.String()
}

// ─── interfaces ──────────────────────────────────────────────────────────────

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List candidate network interfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaces, err := net.Interfaces()
		if err != nil {
			return err
		}
		for _, ifi := range ifaces {
			var notes []string
			if ifi.Flags&net.FlagUp == 0 {
				notes = append(notes, "down")
			}
			if ifi.Flags&net.FlagLoopback != 0 {
				notes = append(notes, "loopback")
			}
			suffix := ""
			if len(notes) > 0 {
				suffix = " (" + strings.Join(notes, ", ") + ")"
			}
			fmt.Printf("  %-12s %s%s\n", ifi.Name, ifi.HardwareAddr, suffix)
		}
		return nil
	},
}

// ─── version ─────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("linkchat " + version)
	},
}

func init() {
	daemonCmd.Flags().String("iface", "", "Network interface to bind (e.g. eth0)")
	daemonCmd.Flags().String("name", "", "Display name announced to peers (default: hostname)")
	daemonCmd.Flags().String("dir", "", "Directory for received files")
	daemonCmd.Flags().String("config", "", "Path to a YAML config file")

	rootCmd.AddCommand(daemonCmd, interfacesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
