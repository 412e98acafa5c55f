package transfer

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"dirsync/ack"
	"dirsync/chunkreader"
	"dirsync/config"
	"dirsync/inventory"
	"dirsync/wire"
)

// maxChunksPerFile is the largest number of chunks a 16-bit, non-wrapping
// sequence number space can address. A file needing more chunks than this
// cannot be scheduled: there is no room to keep its sequence numbers
// distinct.
const maxChunksPerFile = 1 << 16

// metadata pacing.
const (
	metadataInterPacketDelay = 100 * time.Millisecond
	metadataLastPacketDelay  = 300 * time.Millisecond
	dataPhaseSettleDelay     = 2 * time.Second
)

// Sender drives the periodic two-phase tick: announce local metadata, then
// transmit missing files as ordered chunk streams gated by the ack
// bookkeeper and the liveness latch.
type Sender struct {
	conn     *net.UDPConn
	tracker  *inventory.Tracker
	acks     *ack.Bookkeeper
	liveness *Liveness
	hmacKey  []byte
	dir      string

	tickInterval time.Duration
	estimatedRTT time.Duration

	logger *log.Logger
}

// NewSender returns a Sender that announces and transmits files from dir
// over conn, every tickInterval.
func NewSender(conn *net.UDPConn, tracker *inventory.Tracker, liveness *Liveness, hmacKey []byte, dir string, tickInterval, estimatedRTT time.Duration, logger *log.Logger) *Sender {
	return &Sender{
		conn:         conn,
		tracker:      tracker,
		acks:         tracker.Bookkeeper(),
		liveness:     liveness,
		hmacKey:      hmacKey,
		dir:          dir,
		tickInterval: tickInterval,
		estimatedRTT: estimatedRTT,
		logger:       logger,
	}
}

// Run blocks, ticking every s.tickInterval, until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendMetadataPhase(ctx)
			s.sendDataPhase(ctx)
		}
	}
}

func (s *Sender) sendMetadataPhase(ctx context.Context) {
	list := s.tracker.SendMetadataList()

	if len(list) == 0 {
		if err := s.sendSentinelAck(); err != nil {
			s.logger.Printf("sender: failed to send empty-folder signal: %v", err)
			return
		}
		s.logger.Printf("sender empty_folder_signal_sent")
		return
	}

	for i, rec := range list {
		delay := metadataInterPacketDelay
		if i == len(list)-1 {
			delay = metadataLastPacketDelay
		}
		if !sleepCtx(ctx, delay) {
			return
		}

		pkt, err := wire.EncodeFileMeta(rec, s.hmacKey)
		if err != nil {
			s.logger.Printf("sender: failed to encode metadata for %q: %v", rec.Filename, err)
			continue
		}
		if _, err := s.conn.Write(pkt); err != nil {
			s.logger.Printf("sender: failed to send metadata for %q: %v", rec.Filename, err)
			continue
		}
		s.logger.Printf("sender metadata_sent filename=%q has_next=%v", rec.Filename, rec.HasNext)

		s.liveness.WaitAlive(ctx)
	}
}

func (s *Sender) sendSentinelAck() error {
	rec := wire.AckRecord{Key: wire.SentinelFileKey(), SeqNum: sentinelSeqNum(), Timestamp: time.Now().UnixMilli()}
	pkt, err := wire.EncodeAck(rec, s.hmacKey)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(pkt)
	return err
}

func (s *Sender) sendDataPhase(ctx context.Context) {
	sendSet := s.tracker.SendSet()
	if len(sendSet) == 0 {
		return
	}
	if !sleepCtx(ctx, dataPhaseSettleDelay) {
		return
	}

	for _, rec := range sendSet {
		s.sendFile(ctx, rec)
	}
}

func (s *Sender) sendFile(ctx context.Context, rec wire.MetaRecord) {
	key := rec.Key
	path := filepath.Join(s.dir, rec.Filename)

	if info, err := os.Stat(path); err == nil {
		// The chunk reader always ends with a short (possibly empty) chunk,
		// so an exact multiple of DataSize still needs one more chunk.
		chunks := info.Size()/config.DataSize + 1
		if chunks > maxChunksPerFile {
			s.logger.Printf("sender: %q needs %d chunks, exceeds the non-wrapping sequence space, skipping", rec.Filename, chunks)
			s.acks.Drop(key)
			return
		}
	}

	reader, err := chunkreader.Open(path)
	if err != nil {
		s.logger.Printf("sender: %q missing at read time, will retry next round: %v", rec.Filename, err)
		s.acks.Drop(key)
		return
	}
	defer reader.Close()

	seqnum := config.InitSeqNumber
	tries := 0
	succeeded := true

	for !reader.Finished() || !s.acks.IsEmpty(key) {
		s.liveness.WaitAlive(ctx)
		select {
		case <-ctx.Done():
			return
		default:
		}

		current, ok := s.acks.Current(key)
		if !ok {
			// The ack tracker was reset by a newer send-set computation
			// before this file finished; abandon it for this round.
			succeeded = false
			break
		}
		if seqnum == current {
			tries = 0
		} else {
			seqnum = current
		}

		newSeq, progressed, err := s.sendChunk(key, seqnum, reader)
		if err != nil {
			s.logger.Printf("sender: chunk send failed for %q: %v", rec.Filename, err)
			s.acks.Drop(key)
			succeeded = false
			break
		}
		if !progressed {
			succeeded = false
			break
		}
		seqnum = newSeq

		tries++
		if tries == 3 {
			s.liveness.Interrupt()
			tries = 0
		}

		if !sleepCtx(ctx, s.estimatedRTT) {
			return
		}
	}

	if succeeded {
		s.logger.Printf("sender file_completed filename=%q", rec.Filename)
	}
}

// sendChunk attempts to transmit chunk seqnum for key: a cached
// (previously sent but unacknowledged) DataRecord is resent verbatim;
// otherwise a new chunk is pulled from reader, recorded, and sent. It
// returns the seqnum to try next and whether any datagram was actually
// sent.
func (s *Sender) sendChunk(key wire.FileKey, seqnum uint16, reader *chunkreader.Reader) (uint16, bool, error) {
	if cached, ok := s.acks.Cached(key, seqnum); ok {
		if err := s.writeDataRecord(cached); err != nil {
			return seqnum, false, err
		}
		return seqnum + 1, true, nil
	}

	if reader.Finished() {
		return seqnum, false, nil
	}

	payload, isLast, err := reader.Next()
	if err != nil {
		return seqnum, false, err
	}

	rec := wire.DataRecord{Key: key, SeqNum: seqnum, HasNext: !isLast, Payload: payload}
	s.acks.RecordSent(key, seqnum, rec)
	if err := s.writeDataRecord(rec); err != nil {
		return seqnum, false, err
	}
	s.logger.Printf("sender chunk_sent seq=%d has_next=%v", seqnum, rec.HasNext)
	return seqnum + 1, true, nil
}

func (s *Sender) writeDataRecord(rec wire.DataRecord) error {
	pkt, err := wire.EncodeDataTransfer(rec)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(pkt)
	return err
}

// sleepCtx sleeps for d, or returns early (reporting false) if ctx is
// cancelled first, so a shutdown signal never has to wait out a full
// retransmit interval.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
