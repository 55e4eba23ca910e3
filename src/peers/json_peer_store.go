package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

// JSONPeerStore is used to provide peer persistence on disk in the form of a
// JSON file.
type JSONPeerStore struct {
	l    sync.Mutex
	path string
	max  int
}

// NewJSONPeerStore creates a store backed by the file at path. At most max
// peers are written; max <= 0 means no limit.
func NewJSONPeerStore(path string, max int) *JSONPeerStore {
	return &JSONPeerStore{
		path: path,
		max:  max,
	}
}

// Peers parses the underlying JSON file. A missing or empty file yields no
// peers and no error.
func (j *JSONPeerStore) Peers() ([]Peer, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// Check for no peers
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, nil
	}

	var peers []Peer
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&peers); err != nil {
		return nil, err
	}

	return peers, nil
}

// Write persists peers, most recently seen first, truncated to the store's
// maximum.
func (j *JSONPeerStore) Write(peers []Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	sorted := make([]Peer, len(peers))
	copy(sorted, peers)
	ByLastSeen(sorted)
	if j.max > 0 && len(sorted) > j.max {
		sorted = sorted[:j.max]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(sorted); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0600)
}
