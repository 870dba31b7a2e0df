package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/state"
)

const warmVersion = 1

type warmFile struct {
	Version  int                    `msgpack:"version"`
	Snapshot market.UnifiedSnapshot `msgpack:"snapshot"`
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// SaveFile writes the current snapshot for a later warm start.
func (s *Store) SaveFile(path string) error {
	snap, ok := s.Current()
	if !ok {
		return ErrEmpty
	}
	data, err := encode(warmFile{Version: warmVersion, Snapshot: snap})
	if err != nil {
		return fmt.Errorf("encode warm snapshot: %w", err)
	}
	return state.WriteFileAtomic(path, data, 0o600)
}

// LoadFile publishes a previously saved snapshot. Nothing in it was fetched by
// this process, so every exchange it contains is marked partial. A missing
// file is not an error; ok reports whether anything was loaded.
func (s *Store) LoadFile(path string) (market.UnifiedSnapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return market.UnifiedSnapshot{}, false, nil
		}
		return market.UnifiedSnapshot{}, false, err
	}
	var wf warmFile
	if err := decode(data, &wf); err != nil {
		return market.UnifiedSnapshot{}, false, fmt.Errorf("decode warm snapshot: %w", err)
	}
	if wf.Version != warmVersion {
		return market.UnifiedSnapshot{}, false, fmt.Errorf("warm snapshot version %d unsupported", wf.Version)
	}
	snap := wf.Snapshot
	snap.Partial = contained(snap)
	snap.PartialPerp, snap.PartialSpot = nil, nil
	snap.RatesStale = len(snap.Rates) > 0
	published, err := s.Publish(snap)
	if err != nil {
		return market.UnifiedSnapshot{}, false, err
	}
	return published, true, nil
}

func contained(snap market.UnifiedSnapshot) []market.ExchangeID {
	seen := make(map[market.ExchangeID]struct{})
	for _, t := range snap.Perp {
		seen[t.Exchange] = struct{}{}
	}
	for _, t := range snap.Spot {
		seen[t.Exchange] = struct{}{}
	}
	out := make([]market.ExchangeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	market.SortExchanges(out)
	return out
}
