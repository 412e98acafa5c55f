package transfer

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/ack"
	"dirsync/config"
	"dirsync/inventory"
	"dirsync/wire"
)

// receiveSession is the receiver's private per-file state: the partial
// write-ahead file, the next contiguous sequence number expected, and any
// chunks that arrived ahead of it.
type receiveSession struct {
	mu        sync.Mutex
	filename  string
	tmpPath   string
	finalPath string
	tmp       *os.File
	nextSeq   uint16
	pending   map[uint16]wire.DataRecord
	done      bool
}

// Receiver demultiplexes incoming datagrams by opcode and dispatches each
// to a bounded worker pool; each datagram is processed to completion
// before the handler that took it is free to take another.
type Receiver struct {
	conn     *net.UDPConn
	tracker  *inventory.Tracker
	acks     *ack.Bookkeeper
	liveness *Liveness
	hmacKey  []byte
	dir      string
	logger   *log.Logger

	sessMu   sync.Mutex
	sessions map[wire.FileKey]*receiveSession

	malformed atomic.Uint64
}

// NewReceiver returns a Receiver bound to conn, writing completed files
// into dir.
func NewReceiver(conn *net.UDPConn, tracker *inventory.Tracker, liveness *Liveness, hmacKey []byte, dir string, logger *log.Logger) *Receiver {
	return &Receiver{
		conn:     conn,
		tracker:  tracker,
		acks:     tracker.Bookkeeper(),
		liveness: liveness,
		hmacKey:  hmacKey,
		dir:      dir,
		logger:   logger,
		sessions: make(map[wire.FileKey]*receiveSession),
	}
}

// MalformedCount returns the number of datagrams dropped for failing to
// decode.
func (r *Receiver) MalformedCount() uint64 {
	return r.malformed.Load()
}

// Run blocks on the socket, dispatching each datagram to a worker pool
// sized to runtime.NumCPU(). It returns when the socket is closed or read
// fails for any other reason.
func (r *Receiver) Run() error {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan []byte, workers*4)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for buf := range jobs {
				r.handle(buf)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	buf := make([]byte, config.MaxPacketSize)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if n != config.MaxPacketSize {
			r.malformed.Add(1)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		jobs <- cp
	}
}

func (r *Receiver) handle(buf []byte) {
	op, err := wire.PeekOpcode(buf)
	if err != nil {
		r.malformed.Add(1)
		return
	}

	switch op {
	case wire.OpFileMeta:
		r.handleFileMeta(buf)
	case wire.OpDataTransfer:
		r.handleDataTransfer(buf)
	case wire.OpAck:
		r.handleAck(buf)
	}
}

func (r *Receiver) handleFileMeta(buf []byte) {
	rec, err := wire.DecodeFileMeta(buf, r.hmacKey)
	if err != nil {
		r.malformed.Add(1)
		return
	}
	r.tracker.IngestRemote(rec)
	r.liveness.Signal()
	r.ensureSession(rec)
	r.logger.Printf("receiver meta key=%s filename=%q has_next=%v", rec.Key, rec.Filename, rec.HasNext)
}

func (r *Receiver) ensureSession(rec wire.MetaRecord) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if _, ok := r.sessions[rec.Key]; ok {
		return
	}
	finalPath := filepath.Join(r.dir, rec.Filename)
	tmpPath := finalPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		r.logger.Printf("receiver: cannot create %s: %v", tmpPath, err)
		return
	}
	r.sessions[rec.Key] = &receiveSession{
		filename:  rec.Filename,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		tmp:       f,
		nextSeq:   config.InitSeqNumber,
		pending:   make(map[uint16]wire.DataRecord),
	}
}

func (r *Receiver) session(key wire.FileKey) *receiveSession {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	return r.sessions[key]
}

func (r *Receiver) dropSession(key wire.FileKey) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	delete(r.sessions, key)
}

func (r *Receiver) handleDataTransfer(buf []byte) {
	rec, err := wire.DecodeDataTransfer(buf)
	if err != nil {
		r.malformed.Add(1)
		return
	}

	recvTime := time.Now().UnixMilli()

	sess := r.session(rec.Key)
	if sess == nil {
		// No FILE_META absorbed for this key yet (or it already
		// completed) — drop silently, the sender will retransmit.
		return
	}

	r.appendChunk(rec.Key, sess, rec)
	r.sendAck(rec.Key, rec.SeqNum, recvTime)
	r.liveness.Signal()
}

func (r *Receiver) appendChunk(key wire.FileKey, sess *receiveSession, rec wire.DataRecord) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.done {
		return
	}
	if rec.SeqNum < sess.nextSeq {
		return // duplicate of an already-flushed chunk
	}
	sess.pending[rec.SeqNum] = rec

	for {
		next, ok := sess.pending[sess.nextSeq]
		if !ok {
			break
		}
		if _, err := sess.tmp.Write(next.Payload); err != nil {
			r.logger.Printf("receiver: write failed for %s: %v", sess.filename, err)
			sess.done = true
			sess.tmp.Close()
			os.Remove(sess.tmpPath)
			r.dropSession(key)
			return
		}
		lastSeq := sess.nextSeq
		terminal := !next.HasNext
		delete(sess.pending, lastSeq)
		sess.nextSeq++

		if terminal {
			sess.done = true
			sess.tmp.Close()
			if err := os.Rename(sess.tmpPath, sess.finalPath); err != nil {
				r.logger.Printf("receiver: rename failed for %s: %v", sess.filename, err)
			} else {
				r.logger.Printf("receiver file_complete filename=%q", sess.filename)
			}
			r.dropSession(key)
			return
		}
	}
}

func (r *Receiver) sendAck(key wire.FileKey, seq uint16, ts int64) {
	pkt, err := wire.EncodeAck(wire.AckRecord{Key: key, SeqNum: seq, Timestamp: ts}, r.hmacKey)
	if err != nil {
		return
	}
	r.conn.Write(pkt)
}

func (r *Receiver) handleAck(buf []byte) {
	rec, err := wire.DecodeAck(buf, r.hmacKey)
	if err != nil {
		r.malformed.Add(1)
		return
	}

	if rec.Key == wire.SentinelFileKey() && rec.SeqNum == sentinelSeqNum() {
		r.tracker.ClearRemote()
		r.liveness.Signal()
		r.logger.Printf("receiver empty_folder_signal_received")
		return
	}

	r.acks.Acknowledge(rec.Key, rec.SeqNum)
	r.liveness.Signal()
}

// sentinelSeqNum is InitSeqNumber - 1, represented as the uint16 it wraps
// to. Paired with the reserved sentinel FileKey, this combination never
// arises from an ordinary transfer and is reserved for the empty-folder
// signal.
func sentinelSeqNum() uint16 {
	base := config.InitSeqNumber
	return base - 1
}
