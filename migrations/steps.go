package migrations

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/facebookgo/atomicfile"
	cid "github.com/ipfs/go-cid"
	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

// flatToMultihashKeys is migration 2: the first repositories named
// block files with the hex of the multihash; version 2 uses multibase
// base32, the form every other component expects.
type flatToMultihashKeys struct{}

func (*flatToMultihashKeys) Version() int       { return 2 }
func (*flatToMultihashKeys) CanUpgrade() bool   { return true }
func (*flatToMultihashKeys) CanDowngrade() bool { return true }

func (*flatToMultihashKeys) Upgrade(root string) error {
	dir := filepath.Join(root, "blocks")
	return sweepFiles(dir, func(path string) error {
		name := filepath.Base(path)
		if _, _, err := mb.Decode(name); err == nil {
			return nil // already keyed by multibase
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			return err
		}
		h, err := mh.Cast(raw)
		if err != nil {
			return err
		}
		enc, _ := mb.Encode(mb.Base32, h)
		return os.Rename(path, filepath.Join(dir, enc))
	})
}

func (*flatToMultihashKeys) Downgrade(root string) error {
	dir := filepath.Join(root, "blocks")
	return sweepFiles(dir, func(path string) error {
		name := filepath.Base(path)
		_, raw, err := mb.Decode(name)
		if err != nil {
			return nil // already hex
		}
		return os.Rename(path, filepath.Join(dir, hex.EncodeToString(raw)))
	})
}

// pinListToRecords is migration 3: pins move from one JSON list file
// to one record file per pin, so concurrent pinners stop contending on
// a single document.
type pinListToRecords struct{}

func (*pinListToRecords) Version() int       { return 3 }
func (*pinListToRecords) CanUpgrade() bool   { return true }
func (*pinListToRecords) CanDowngrade() bool { return true }

type legacyPin struct {
	Cid       string `json:"cid"`
	Recursive bool   `json:"recursive"`
}

func (*pinListToRecords) Upgrade(root string) error {
	listPath := filepath.Join(root, "pins.json")
	raw, err := os.ReadFile(listPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var pins []legacyPin
	if err := json.Unmarshal(raw, &pins); err != nil {
		log.Warnf("pins.json unreadable, leaving it in place: %v", err)
		return nil
	}
	dir := filepath.Join(root, "pins")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, p := range pins {
		c, err := cid.Decode(p.Cid)
		if err != nil {
			log.Warnf("skipping unparsable pin %q: %v", p.Cid, err)
			continue
		}
		kind := byte(0)
		if p.Recursive {
			kind = 1
		}
		name, _ := mb.Encode(mb.Base32, c.Hash())
		f, err := atomicfile.New(filepath.Join(dir, name), 0644)
		if err != nil {
			return err
		}
		if _, err := f.Write(append([]byte{kind}, c.Bytes()...)); err != nil {
			f.Abort()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return os.Remove(listPath)
}

func (*pinListToRecords) Downgrade(root string) error {
	dir := filepath.Join(root, "pins")
	var pins []legacyPin
	err := sweepFiles(dir, func(path string) error {
		raw, err := os.ReadFile(path)
		if err != nil || len(raw) < 2 {
			return err
		}
		c, err := cid.Cast(raw[1:])
		if err != nil {
			return err
		}
		pins = append(pins, legacyPin{Cid: c.String(), Recursive: raw[0] == 1})
		return os.Remove(path)
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(pins)
	if err != nil {
		return err
	}
	f, err := atomicfile.New(filepath.Join(root, "pins.json"), 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}
