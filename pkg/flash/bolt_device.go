// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package flash

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/boltdb/bolt"
)

var (
	mode         = 0600
	pageBucket   = []byte("pages")
	metaBucket   = []byte("meta")
	pageSizeKey  = []byte("page_size")
	pageCountKey = []byte("pages")
)

// BoltDevice is a flash region persisted in a boltdb file, one key per page.
// Every erase and program is its own transaction, so a process crash leaves
// the image exactly as a power loss would leave real flash: every completed
// half-word is durable, nothing else is.
type BoltDevice struct {
	db       *bolt.DB
	path     string
	pageSize int
	pages    int
	locked   bool
	lock     sync.Mutex
}

// OpenBoltDevice opens the image at 'path', creating an erased one with the
// given geometry if it does not exist. Reopening an image with a different
// geometry is an error.
func OpenBoltDevice(path string, pageSize, pages int) (*BoltDevice, error) {
	if err := checkGeometry(pageSize, pages); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Errorf("flash: failed to open image %s: %s", path, err)
		return nil, err
	}

	d := &BoltDevice{db: db, path: path, pageSize: pageSize, pages: pages, locked: true}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		pb, err := tx.CreateBucketIfNotExists(pageBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(pageSizeKey); v != nil {
			// Existing image: geometry must match.
			gotSize := int(binary.BigEndian.Uint32(v))
			gotPages := int(binary.BigEndian.Uint32(meta.Get(pageCountKey)))
			if gotSize != pageSize || gotPages != pages {
				return fmt.Errorf("%w: image has %d pages of %d bytes, want %d of %d",
					ErrGeometry, gotPages, gotSize, pages, pageSize)
			}
			return nil
		}

		// New image: write geometry and erased pages.
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(pageSize))
		if err := meta.Put(pageSizeKey, b[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(b[:], uint32(pages))
		if err := meta.Put(pageCountKey, b[:]); err != nil {
			return err
		}
		for p := 0; p < pages; p++ {
			if err := pb.Put(pageKey(p), erasedPage(pageSize)); err != nil {
				return err
			}
		}
		log.Infof("flash: created image %s with %d pages of %d bytes", path, pages, pageSize)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the image.
func (d *BoltDevice) Close() error {
	return d.db.Close()
}

// Path returns the image path.
func (d *BoltDevice) Path() string {
	return d.path
}

// PageSize implements Device.
func (d *BoltDevice) PageSize() int {
	return d.pageSize
}

// Size implements Device.
func (d *BoltDevice) Size() int {
	return d.pageSize * d.pages
}

// ReadAt implements Device.
func (d *BoltDevice) ReadAt(b []byte, off int64) (int, error) {
	if err := checkRead(d, len(b), off); err != nil {
		return 0, err
	}
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(pageBucket)
		for n < len(b) {
			p := int(off) / d.pageSize
			start := int(off) % d.pageSize
			page := pb.Get(pageKey(p))
			if len(page) != d.pageSize {
				return fmt.Errorf("%w: page %d has %d bytes", ErrGeometry, p, len(page))
			}
			c := copy(b[n:], page[start:])
			n += c
			off += int64(c)
		}
		return nil
	})
	return n, err
}

// ErasePage implements Device.
func (d *BoltDevice) ErasePage(addr int64) error {
	if err := checkErase(d, addr); err != nil {
		return err
	}
	if d.isLocked() {
		return ErrLocked
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pageBucket).Put(pageKey(int(addr)/d.pageSize), erasedPage(d.pageSize))
	})
}

// ProgramHalfword implements Device.
func (d *BoltDevice) ProgramHalfword(addr int64, v uint16) error {
	if err := checkProgram(d, addr); err != nil {
		return err
	}
	if d.isLocked() {
		return ErrLocked
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(pageBucket)
		p := int(addr) / d.pageSize
		// Values returned by Get are only valid inside the transaction and
		// must not be modified, so work on a copy.
		page := copySlice(pb.Get(pageKey(p)))
		off := int(addr) % d.pageSize
		old := binary.LittleEndian.Uint16(page[off:])
		if !programmable(old, v) {
			log.Errorf("flash: program %#04x over %#04x at %#x", v, old, addr)
			return ErrProgram
		}
		binary.LittleEndian.PutUint16(page[off:], v)
		return pb.Put(pageKey(p), page)
	})
}

// Lock implements Device.
func (d *BoltDevice) Lock() {
	d.lock.Lock()
	d.locked = true
	d.lock.Unlock()
}

// Unlock implements Device.
func (d *BoltDevice) Unlock() {
	d.lock.Lock()
	d.locked = false
	d.lock.Unlock()
}

func (d *BoltDevice) isLocked() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.locked
}

func pageKey(p int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(p))
	return b[:]
}

func erasedPage(size int) []byte {
	page := make([]byte, size)
	for i := range page {
		page[i] = 0xFF
	}
	return page
}

func copySlice(b []byte) []byte {
	if b == nil {
		return nil
	}
	o := make([]byte, len(b))
	copy(o, b)
	return o
}
