// Command dirsync runs one peer of a two-party directory synchronizer:
// it watches a local directory, announces its contents to a fixed remote
// peer over UDP, and pulls across whatever files the peer has that it
// doesn't.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dirsync/config"
	"dirsync/inventory"
	"dirsync/monitor"
	"dirsync/transfer"
)

func usage() {
	fmt.Println(`dirsync -- two-peer directory synchronizer over UDP

Usage:
  dirsync --port N --peer HOST:PORT --dir DIR --key SECRET [options]

Options:
  --port N       local UDP port to bind (required)
  --peer ADDR    remote peer's host:port (required)
  --dir DIR      directory to watch and populate (required)
  --key SECRET   shared HMAC authentication key (required)
  --scan N       directory rescan interval in seconds (default 5)
  --rtt N        estimated round-trip time in milliseconds (default 500)

Example:
  dirsync --port 9001 --peer 10.0.0.5:9000 --dir ./shared --key s3cret`)
}

func getFlag(args []string, name string, def string) (string, []string) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], append(args[:i:i], args[i+2:]...)
		}
	}
	return def, args
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		usage()
		return
	}

	var portStr, peerAddr, dir, key string
	var scanStr, rttStr string

	portStr, args = getFlag(args, "--port", "")
	peerAddr, args = getFlag(args, "--peer", "")
	dir, args = getFlag(args, "--dir", "")
	key, args = getFlag(args, "--key", "")
	scanStr, args = getFlag(args, "--scan", "5")
	rttStr, _ = getFlag(args, "--rtt", "500")

	if portStr == "" || peerAddr == "" || dir == "" || key == "" {
		fmt.Fprintln(os.Stderr, "dirsync: --port, --peer, --dir and --key are all required")
		usage()
		os.Exit(1)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "dirsync: invalid --port %q\n", portStr)
		os.Exit(1)
	}
	scanSecs, err := strconv.Atoi(scanStr)
	if err != nil || scanSecs <= 0 {
		fmt.Fprintf(os.Stderr, "dirsync: invalid --scan %q\n", scanStr)
		os.Exit(1)
	}
	rttMillis, err := strconv.Atoi(rttStr)
	if err != nil || rttMillis <= 0 {
		fmt.Fprintf(os.Stderr, "dirsync: invalid --rtt %q\n", rttStr)
		os.Exit(1)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "dirsync: cannot create watch directory %s: %v\n", dir, err)
		os.Exit(1)
	}

	peer := config.Peer{
		ListenPort:     port,
		PeerAddr:       peerAddr,
		WatchDir:       dir,
		HMACKey:        []byte(key),
		SecondsOfSleep: time.Duration(scanSecs) * time.Second,
		EstimatedRTT:   time.Duration(rttMillis) * time.Millisecond,
	}.WithDefaults()

	instanceID := uuid.New()
	logger := log.New(os.Stdout, fmt.Sprintf("dirsync[%s] ", instanceID.String()[:8]), log.LstdFlags)

	remoteAddr, err := net.ResolveUDPAddr("udp", peer.PeerAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirsync: cannot resolve peer address %s: %v\n", peer.PeerAddr, err)
		os.Exit(1)
	}
	localAddr := &net.UDPAddr{Port: peer.ListenPort}

	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirsync: cannot bind UDP port %d: %v\n", peer.ListenPort, err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Printf("startup instance=%s local_port=%d peer=%s dir=%s", instanceID, peer.ListenPort, peer.PeerAddr, peer.WatchDir)

	tracker := inventory.New(peer.WatchDir)
	liveness := transfer.NewLiveness()

	mon := monitor.New(tracker, peer.SecondsOfSleep, logger)
	receiver := transfer.NewReceiver(conn, tracker, liveness, peer.HMACKey, peer.WatchDir, logger)
	sender := transfer.NewSender(conn, tracker, liveness, peer.HMACKey, peer.WatchDir, peer.SecondsOfSleep, peer.EstimatedRTT, logger)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Printf("shutdown signal received, stopping")
		cancel()
		conn.Close()
	}()

	go mon.Run(ctx)
	go sender.Run(ctx)

	if err := receiver.Run(); err != nil {
		select {
		case <-ctx.Done():
			logger.Printf("receiver stopped: %v", err)
		default:
			logger.Printf("receiver exited unexpectedly: %v", err)
			cancel()
			os.Exit(1)
		}
	}
}
