// Package inventory maintains one peer's view of "what files do I have"
// and "what files does the remote peer have", and computes the set of
// files that need to be sent to reconcile the two.
package inventory

import (
	"os"
	"sort"
	"sync"

	"dirsync/ack"
	"dirsync/wire"
)

// Tracker owns the local inventory, the remote inventory, and the ack
// bookkeepers derived from their difference. Lock order, enforced by
// method structure below, is local -> remote -> ack; SendSet takes the
// remote lock while still holding the local one, then releases local, and
// resets the ack bookkeeper while holding remote.
type Tracker struct {
	dir string

	localMu sync.Mutex
	local   map[wire.FileKey]wire.MetaRecord

	remoteMu  sync.Mutex
	remote    map[wire.FileKey]wire.MetaRecord
	inBatch   bool
	remoteCnd *sync.Cond

	acks *ack.Bookkeeper
}

// New returns a Tracker that scans dir for its local inventory.
func New(dir string) *Tracker {
	t := &Tracker{
		dir:    dir,
		local:  make(map[wire.FileKey]wire.MetaRecord),
		remote: make(map[wire.FileKey]wire.MetaRecord),
		acks:   ack.NewBookkeeper(),
	}
	t.remoteCnd = sync.NewCond(&t.remoteMu)
	return t
}

// Bookkeeper returns the ack bookkeeper backing this tracker's send sets.
func (t *Tracker) Bookkeeper() *ack.Bookkeeper {
	return t.acks
}

// Rescan lists the top-level regular files of the watched directory and
// rebuilds the local inventory from scratch. No recursion, no symlink
// following. If the directory is empty, the inventory becomes empty too.
func (t *Tracker) Rescan() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return err
	}

	type fileInfo struct {
		name  string
		ctime int64
		mtime int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		ctime := fileCreationTimeMillis(info)
		files = append(files, fileInfo{name: e.Name(), ctime: ctime, mtime: info.ModTime().UnixMilli()})
	}

	records := make(map[wire.FileKey]wire.MetaRecord, len(files))
	for i, f := range files {
		key := wire.NewFileKey(f.name, f.ctime)
		if _, exists := records[key]; exists {
			continue
		}
		records[key] = wire.MetaRecord{
			Key:          key,
			Filename:     f.name,
			CreationTime: f.ctime,
			LastModified: f.mtime,
			HasNext:      i != len(files)-1,
		}
	}

	t.localMu.Lock()
	t.local = records
	t.localMu.Unlock()
	return nil
}

// IngestRemote absorbs one record of a remote metadata batch. If the
// tracker is not currently mid-batch (the previous record had
// HasNext=false), the remote map is cleared first. Leaving the batch
// (HasNext=false) wakes every waiter on the remote-batch condition.
func (t *Tracker) IngestRemote(r wire.MetaRecord) {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()

	if !t.inBatch {
		t.remote = make(map[wire.FileKey]wire.MetaRecord)
	}
	t.inBatch = r.HasNext

	t.remote[r.Key] = r

	if !t.inBatch {
		t.remoteCnd.Broadcast()
	}
}

// ClearRemote empties the remote inventory immediately. Called when the
// empty-folder sentinel ACK is received from the peer.
func (t *Tracker) ClearRemote() {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	t.remote = make(map[wire.FileKey]wire.MetaRecord)
	t.inBatch = false
	t.remoteCnd.Broadcast()
}

// SendSet computes local-keys minus remote-keys at the moment the data
// phase begins, resets the ack bookkeeper to exactly that key set, and
// returns the corresponding MetaRecords. Blocks until any in-flight
// remote batch finishes absorbing.
func (t *Tracker) SendSet() []wire.MetaRecord {
	t.localMu.Lock()
	localSnapshot := make(map[wire.FileKey]wire.MetaRecord, len(t.local))
	for k, v := range t.local {
		localSnapshot[k] = v
	}
	t.remoteMu.Lock()
	t.localMu.Unlock()
	defer t.remoteMu.Unlock()

	for t.inBatch {
		t.remoteCnd.Wait()
	}

	var result []wire.MetaRecord
	keys := make([]wire.FileKey, 0, len(localSnapshot))
	for k, v := range localSnapshot {
		if _, present := t.remote[k]; present {
			continue
		}
		result = append(result, v)
		keys = append(keys, k)
	}

	t.acks.Reset(keys)
	return result
}

// SendMetadataList returns a snapshot of the local inventory ordered so
// every HasNext=true record precedes the single HasNext=false terminator,
// the ordering the batch protocol requires.
func (t *Tracker) SendMetadataList() []wire.MetaRecord {
	t.localMu.Lock()
	list := make([]wire.MetaRecord, 0, len(t.local))
	for _, v := range t.local {
		list = append(list, v)
	}
	t.localMu.Unlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].HasNext && !list[j].HasNext
	})
	for i := range list {
		list[i].HasNext = i != len(list)-1
	}
	return list
}

// fileCreationTimeMillis returns the best available creation timestamp in
// milliseconds since epoch. Go's os.FileInfo has no portable creation
// time field, so ModTime is used as the practical stand-in.
func fileCreationTimeMillis(info os.FileInfo) int64 {
	return info.ModTime().UnixMilli()
}
