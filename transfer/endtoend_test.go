package transfer

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dirsync/inventory"
	"dirsync/wire"
)

var testHMACKey = []byte("end-to-end-test-key")

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// udpPair returns two loopback UDP sockets dialed at each other, the way
// cmd/dirsync wires a point-to-point pair.
func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()

	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	aAddr := a.LocalAddr().(*net.UDPAddr)
	a.Close()

	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	bAddr := b.LocalAddr().(*net.UDPAddr)
	b.Close()

	aConn, err := net.DialUDP("udp", aAddr, bAddr)
	if err != nil {
		t.Fatalf("dial a->b: %v", err)
	}
	bConn, err := net.DialUDP("udp", bAddr, aAddr)
	if err != nil {
		t.Fatalf("dial b->a: %v", err)
	}
	return aConn, bConn
}

// TestSingleFileTransfer exercises a full send/receive cycle over real
// loopback sockets: peer A has one file, peer B has none, and B should end
// up with a byte-identical copy after a few rounds.
func TestSingleFileTransfer(t *testing.T) {
	aDir, bDir := t.TempDir(), t.TempDir()
	content := bytes.Repeat([]byte("abcdefgh"), 400) // a few chunks' worth
	if err := os.WriteFile(filepath.Join(aDir, "gift.bin"), content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	aConn, bConn := udpPair(t)
	defer aConn.Close()
	defer bConn.Close()

	aTracker := inventory.New(aDir)
	bTracker := inventory.New(bDir)
	if err := aTracker.Rescan(); err != nil {
		t.Fatalf("A Rescan: %v", err)
	}
	if err := bTracker.Rescan(); err != nil {
		t.Fatalf("B Rescan: %v", err)
	}

	aLive, bLive := NewLiveness(), NewLiveness()
	logger := quietLogger()

	aRecv := NewReceiver(aConn, aTracker, aLive, testHMACKey, aDir, logger)
	bRecv := NewReceiver(bConn, bTracker, bLive, testHMACKey, bDir, logger)
	aSend := NewSender(aConn, aTracker, aLive, testHMACKey, aDir, 80*time.Millisecond, 40*time.Millisecond, logger)
	bSend := NewSender(bConn, bTracker, bLive, testHMACKey, bDir, 80*time.Millisecond, 40*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go aRecv.Run()
	go bRecv.Run()
	go aSend.Run(ctx)
	go bSend.Run(ctx)

	deadline := time.Now().Add(4 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(filepath.Join(bDir, "gift.bin"))
		if err == nil {
			got = data
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !bytes.Equal(got, content) {
		t.Fatalf("received file mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}

// TestEmptyFolderSignal exercises the sentinel-ACK handshake: peer A has no
// files, and peer B (primed with a stale remote entry) should have its
// remote view cleared once it absorbs A's empty-folder signal.
func TestEmptyFolderSignal(t *testing.T) {
	aDir, bDir := t.TempDir(), t.TempDir()

	aConn, bConn := udpPair(t)
	defer aConn.Close()
	defer bConn.Close()

	aTracker := inventory.New(aDir)
	bTracker := inventory.New(bDir)
	if err := aTracker.Rescan(); err != nil {
		t.Fatalf("A Rescan: %v", err)
	}

	bTracker.IngestRemote(wire.MetaRecord{Key: wire.NewFileKey("stale.txt", 1), Filename: "stale.txt", HasNext: false})

	aLive, bLive := NewLiveness(), NewLiveness()
	logger := quietLogger()

	bRecv := NewReceiver(bConn, bTracker, bLive, testHMACKey, bDir, logger)
	aSend := NewSender(aConn, aTracker, aLive, testHMACKey, aDir, 60*time.Millisecond, 40*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go bRecv.Run()
	go aSend.Run(ctx)

	time.Sleep(300 * time.Millisecond)

	// After absorbing the sentinel, B's remote view must be empty, so a
	// file B later creates would be scheduled for send rather than
	// suppressed by the stale "stale.txt" entry.
	if err := os.WriteFile(filepath.Join(bDir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write new.txt: %v", err)
	}
	if err := bTracker.Rescan(); err != nil {
		t.Fatalf("B Rescan: %v", err)
	}
	sendSet := bTracker.SendSet()
	found := false
	for _, rec := range sendSet {
		if rec.Filename == "new.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new.txt not in B's send set after the empty-folder signal cleared the stale remote view")
	}
}
