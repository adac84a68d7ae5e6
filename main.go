// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/peerline/internal/app"
	"github.com/petervdpas/peerline/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Peerline v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: peer directory required")
		fmt.Fprintln(os.Stderr, "Usage: peerline <peer-directory>")
		os.Exit(1)
	}

	runPeer(args[0])
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "peerline.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		log.Printf("Created default config: %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Peerline - peer-to-peer call node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peerline <directory>    Run a peer from the specified directory")
	fmt.Println()
	fmt.Println("The directory holds the peer's peerline.json configuration, its")
	fmt.Println("identity key and its call database; it is created on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  peerline ./peers/alice")
	fmt.Println("  peerline ./peers/bob")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Peerline Call Node                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Label != "" {
		fmt.Printf("Peer Label:     %s\n", cfg.Profile.Label)
	}
	if cfg.Bridge.Addr != "" {
		fmt.Printf("Control Bridge: ws://%s/ws\n", cfg.Bridge.Addr)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
