// Command ndrop is the reference front-end driving the Orchestrator,
// Sender, and Receiver Sink: a single binary with mutually exclusive
// --listen/--send modes (spec §6). Flag parsing is deliberately minimal;
// this binary exists to exercise the library, not to be a polished CLI.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/liuyug/ndrop/internal/dukto"
	"github.com/liuyug/ndrop/internal/logutil"
	"github.com/liuyug/ndrop/internal/netinfo"
	"github.com/liuyug/ndrop/internal/nitroshare"
	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/orchestrator"
	"github.com/liuyug/ndrop/internal/protoengine"
	"github.com/liuyug/ndrop/internal/receiver"
	"github.com/liuyug/ndrop/internal/sender"
)

var (
	listenSpec string
	sendSpec   string
	mode       string
	sendText   bool
	certFile   string
	keyFile    string
)

var rootCmd = &cobra.Command{
	Use:   "ndrop",
	Short: "LAN file/text transfer, interoperable with Dukto and NitroShare",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (listenSpec == "") == (sendSpec == "") {
			return fmt.Errorf("exactly one of --listen or --send is required")
		}
		if listenSpec != "" {
			return runListen(listenSpec, args)
		}
		return runSend(sendSpec, args)
	},
}

func init() {
	logPrefix := color.New(color.FgGreen).Sprint("ndrop | ")
	logrus.SetFormatter(logutil.NewPrefixFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	}, logPrefix))

	rootCmd.Flags().StringVar(&listenSpec, "listen", "", "listen spec ip[:tcp_port[:udp_port]]")
	rootCmd.Flags().StringVar(&sendSpec, "send", "", "destination spec ip[:tcp_port]")
	rootCmd.Flags().StringVar(&mode, "mode", "dukto", "protocol: dukto|nitroshare")
	rootCmd.Flags().BoolVar(&sendText, "text", false, "send one argv-joined text message instead of FILE...")
	rootCmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	rootCmd.Flags().StringVar(&keyFile, "key", "", "TLS key file")

	if dsn := os.Getenv("NDROP_SENTRY_DSN"); dsn != "" {
		_ = sentry.Init(sentry.ClientOptions{Dsn: dsn})
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseProtocol() (node.Protocol, error) {
	switch mode {
	case "dukto":
		return node.Dukto, nil
	case "nitroshare":
		return node.NitroShare, nil
	default:
		return "", fmt.Errorf("unknown --mode %q", mode)
	}
}

// parseListenSpec splits "ip[:tcp_port[:udp_port]]" (spec §6).
func parseListenSpec(spec string) (ip string, tcpPort, udpPort int, err error) {
	parts := strings.Split(spec, ":")
	ip = parts[0]
	if ip == "" {
		ip = "0.0.0.0"
	}
	if len(parts) > 1 {
		if tcpPort, err = strconv.Atoi(parts[1]); err != nil {
			return "", 0, 0, fmt.Errorf("bad tcp port in %q: %w", spec, err)
		}
	}
	if len(parts) > 2 {
		if udpPort, err = strconv.Atoi(parts[2]); err != nil {
			return "", 0, 0, fmt.Errorf("bad udp port in %q: %w", spec, err)
		}
	}
	return ip, tcpPort, udpPort, nil
}

func runListen(spec string, args []string) error {
	protocol, err := parseProtocol()
	if err != nil {
		return err
	}
	ip, tcpPort, udpPort, err := parseListenSpec(spec)
	if err != nil {
		return err
	}

	dropDir, _ := os.Getwd()
	if len(args) > 0 {
		dropDir = args[0]
	}
	sink := receiver.NewSink(dropDir)

	chunk := netinfo.RecommendedChunkSize(netinfo.DefaultChunkSize)
	logrus.WithField("chunk_size", chunk).Info("starting orchestrator")

	obs := &cliEngineObserver{}
	cfg := protoengine.Config{
		BindIP:           ip,
		TCPPort:          tcpPort,
		UDPPort:          udpPort,
		TLSCertFile:      certFile,
		TLSKeyFile:       keyFile,
		ChunkSize:        chunk,
		Identity:         identity(),
		EngineObserver:   obs,
		TransferObserver: sink,
		Logger:           logrus.NewEntry(logrus.StandardLogger()),
	}

	var engine *protoengine.Engine
	switch protocol {
	case node.Dukto:
		engine, err = protoengine.New(dukto.Codec{}, cfg)
	case node.NitroShare:
		engine, err = protoengine.New(&nitroshare.Codec{}, cfg)
	}
	if err != nil {
		return err
	}

	orch := orchestrator.New(engine)
	color.New(color.FgGreen).Printf("listening as %s on %s\n", engine.Identity().Name, spec)
	return orch.Run()
}

func runSend(spec string, args []string) error {
	protocol, err := parseProtocol()
	if err != nil {
		return err
	}
	if !strings.Contains(spec, ":") {
		port := dukto.DefaultTCPPort
		if protocol == node.NitroShare {
			port = nitroshare.DefaultTCPPort
		}
		spec = fmt.Sprintf("%s:%d", spec, port)
	}

	tlsCfg := sender.TLSConfig{Enabled: certFile != "" && keyFile != ""}
	obs := &cliTransferObserver{}

	if sendText {
		return sender.SendText(spec, protocol, tlsCfg, strings.Join(args, " "))
	}
	if len(args) == 0 {
		return fmt.Errorf("no FILE arguments given")
	}
	return sender.SendFiles(spec, protocol, tlsCfg, obs, args, nil, netinfo.RecommendedChunkSize(netinfo.DefaultChunkSize))
}

func identity() node.Identity {
	user := os.Getenv("USER")
	if user == "" {
		user = "ndrop"
	}
	host, _ := os.Hostname()
	return node.Identity{User: user, Name: host, OS: runtime.GOOS, UUID: uuid.NewString()}
}

type cliEngineObserver struct{}

func (cliEngineObserver) AddNode(n node.Node) {
	color.New(color.FgCyan).Printf("+ %s\n", n.LongName())
}

func (cliEngineObserver) RemoveNode(n node.Node) {
	color.New(color.FgYellow).Printf("- %s\n", n.LongName())
}

type cliTransferObserver struct {
	node.NopTransferObserver
}

func (cliTransferObserver) SendFeedFile(name string, data []byte, sendSize, fileSize, totalSendSize, totalSize int64) {
	fmt.Printf("\r%s %d/%d", name, sendSize, fileSize)
}

func (cliTransferObserver) SendFinishFile(name string) {
	fmt.Printf("\r%s done\n", name)
}

func (cliTransferObserver) SendFinish(err error) {
	if err != nil {
		color.New(color.FgRed).Printf("send failed: %v\n", err)
		return
	}
	color.New(color.FgGreen).Println("send complete")
}
