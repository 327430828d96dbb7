// dropcli is a small example client of the peerdrop engine: it runs
// one engine, prints every event, and lets a second instance push
// files to it.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/peerdrop/peerdrop"
	"github.com/peerdrop/peerdrop/pkg/drop"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config is the TOML file the example client reads.
type Config struct {
	ListenAddr  string            `toml:"listen_addr"`
	StoragePath string            `toml:"storage_path"`
	DownloadDir string            `toml:"download_dir"`
	LogLevel    string            `toml:"log_level"`
	PrivateKey  string            `toml:"private_key"`  // hex X25519 private key
	Peers       map[string]string `toml:"peers"`        // ip -> hex public key
	AutoAccept  bool              `toml:"auto_accept"`  // download every offered file
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dropcli",
	Short: "Example peer-to-peer file drop client",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "dropcli.toml", "path to the TOML config file")
	rootCmd.AddCommand(listenCmd, sendCmd, keygenCmd)
}

func readConfig() (Config, error) {
	cfg := Config{
		ListenAddr:  fmt.Sprintf("0.0.0.0:%d", drop.DefaultPort),
		StoragePath: "dropcli.sqlite",
		DownloadDir: "downloads",
		LogLevel:    "info",
	}
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return cfg, nil
}

// tomlKeys adapts the config file to the engine's key store callback.
type tomlKeys struct {
	private [32]byte
	peers   map[string][32]byte
}

func newKeys(cfg Config) (*tomlKeys, error) {
	k := &tomlKeys{peers: make(map[string][32]byte)}
	raw, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("private_key must be 32 hex-encoded bytes")
	}
	copy(k.private[:], raw)
	for ip, pub := range cfg.Peers {
		rawPub, err := hex.DecodeString(pub)
		if err != nil || len(rawPub) != 32 {
			return nil, fmt.Errorf("peer %s: public key must be 32 hex-encoded bytes", ip)
		}
		var p [32]byte
		copy(p[:], rawPub)
		k.peers[ip] = p
	}
	return k, nil
}

func (k *tomlKeys) PrivateKey() [32]byte { return k.private }

func (k *tomlKeys) PeerPublicKey(peerIP string) ([32]byte, bool) {
	host := peerIP
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host, "]") {
		host = host[:i]
	}
	pub, ok := k.peers[host]
	if !ok {
		pub, ok = k.peers[peerIP]
	}
	return pub, ok
}

// printer renders events as single log lines.
type printer struct {
	engine      *peerdrop.Engine
	downloadDir string
	autoAccept  bool
}

func (p *printer) OnEvent(ev drop.Event) {
	switch e := ev.(type) {
	case drop.RequestReceived:
		fmt.Printf("incoming transfer %s from %s (%d files)\n", e.TransferID(), e.Peer, len(e.Files))
		if p.autoAccept {
			for _, f := range e.Files {
				if err := p.engine.DownloadFile(e.TransferID(), f.ID, p.downloadDir); err != nil {
					fmt.Printf("  download %s: %v\n", f.Path, err)
				}
			}
		} else {
			for _, f := range e.Files {
				fmt.Printf("  %s (%d bytes), id %s\n", f.Path, f.Size, f.ID)
			}
		}
	case drop.RequestQueued:
		fmt.Printf("transfer %s queued towards %s\n", e.TransferID(), e.Peer)
	case drop.FileStarted:
		fmt.Printf("file %s started at offset %d\n", e.FileID, e.Offset)
	case drop.FileProgress:
		fmt.Printf("file %s: %d bytes\n", e.FileID, e.Transferred)
	case drop.FileDownloaded:
		fmt.Printf("file %s downloaded to %s\n", e.FileID, e.FinalPath)
	case drop.FileUploaded:
		fmt.Printf("file %s uploaded\n", e.FileID)
	case drop.FileFailed:
		fmt.Printf("file %s failed: %s\n", e.FileID, e.Status)
	case drop.FileRejected:
		fmt.Printf("file %s rejected (by peer: %v)\n", e.FileID, e.ByPeer)
	case drop.TransferFinalized:
		fmt.Printf("transfer %s finalized (by peer: %v)\n", e.TransferID(), e.ByPeer)
	case drop.TransferFailed:
		fmt.Printf("transfer %s failed: %s\n", e.TransferID(), e.Status)
	case drop.RuntimeError:
		fmt.Printf("runtime error: %s\n", e.Status)
	}
}

func startEngine(cfg Config) (*peerdrop.Engine, error) {
	keys, err := newKeys(cfg)
	if err != nil {
		return nil, err
	}
	sink := &printer{downloadDir: cfg.DownloadDir, autoAccept: cfg.AutoAccept}
	engine := peerdrop.New(sink, keys)
	sink.engine = engine

	err = engine.Start(cfg.ListenAddr, drop.Config{
		StoragePath: cfg.StoragePath,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		return nil, err
	}
	fmt.Printf("peerdrop %s listening on %s\n", peerdrop.Version, engine.ListenAddr())
	return engine, nil
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the engine and accept transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		engine, err := startEngine(cfg)
		if err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return engine.Stop()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <path>...",
	Short: "Offer files to a peer and wait for completion",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		engine, err := startEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Stop()

		descriptors := make([]peerdrop.TransferDescriptor, 0, len(args)-1)
		for _, path := range args[1:] {
			descriptors = append(descriptors, peerdrop.TransferDescriptor{Path: path})
		}
		tid, err := engine.NewTransfer(args[0], descriptors)
		if err != nil {
			return err
		}
		fmt.Printf("transfer %s created, press enter to finalize\n", tid)

		reader := bufio.NewReader(os.Stdin)
		if _, err := reader.ReadString('\n'); err != nil {
			return err
		}
		if err := engine.FinalizeTransfer(tid); err != nil && drop.StatusOf(err) != drop.StatusFinalized {
			return err
		}
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an X25519 key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		private, public, err := peerdrop.GenerateKeyPair()
		if err != nil {
			return err
		}
		fmt.Printf("private_key = %q\n", hex.EncodeToString(private[:]))
		fmt.Printf("public_key  = %s\n", hex.EncodeToString(public[:]))
		return nil
	},
}
