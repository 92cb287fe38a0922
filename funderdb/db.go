package funderdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
)

const (
	dbName           = "funder.db"
	dbFilePermission = 0600

	// latestDBVersion is the most recent schema version of the database.
	latestDBVersion = 0
)

var (
	// friendBucket stores the persisted snapshot of every friend, keyed
	// by the friend's serialized public key.
	friendBucket = []byte("friend-snapshots")

	// metaBucket stores database-wide metadata, such as the schema
	// version.
	metaBucket = []byte("metadata")

	// dbVersionKey is the metadata key under which the schema version is
	// stored.
	dbVersionKey = []byte("version")

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian
)

// DB is the primary datastore of the funder daemon. It persists the
// configuration and latest channel snapshot of every friend, so a
// restarted node can resume its relationships.
type DB struct {
	*bolt.DB
	dbPath string
}

// Open opens an existing funderdb, creating a fresh one at the passed
// directory if none exists yet.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		log.Infof("Creating fresh funder database at %v", path)
		if err := createFunderDB(dbPath); err != nil {
			return nil, err
		}
	}

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	db := &DB{
		DB:     bdb,
		dbPath: dbPath,
	}

	if err := db.checkVersion(); err != nil {
		bdb.Close()
		return nil, err
	}

	log.Debugf("Opened funder database version %d at %v",
		latestDBVersion, path)

	return db, nil
}

// createFunderDB creates and initializes a fresh version of funderdb. In
// the case that the target path has not yet been created or doesn't yet
// exist, then the path is created. Additionally, all required top-level
// buckets used within the database are created.
func createFunderDB(dbPath string) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucket(friendBucket); err != nil {
			return err
		}

		metaBkt, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}

		var version [4]byte
		byteOrder.PutUint32(version[:], latestDBVersion)
		return metaBkt.Put(dbVersionKey, version[:])
	})
	if err != nil {
		return fmt.Errorf("unable to create new funderdb")
	}

	return bdb.Close()
}

// checkVersion verifies the database schema matches what this binary
// understands.
func (d *DB) checkVersion() error {
	return d.View(func(tx *bolt.Tx) error {
		metaBkt := tx.Bucket(metaBucket)
		if metaBkt == nil {
			return ErrMetaNotFound
		}

		versionBytes := metaBkt.Get(dbVersionKey)
		if len(versionBytes) != 4 {
			return ErrMetaNotFound
		}

		version := byteOrder.Uint32(versionBytes)
		if version != latestDBVersion {
			return fmt.Errorf("unknown funderdb version %v", version)
		}

		return nil
	})
}

// Wipe completely deletes all saved state within all used buckets within
// the database. The deletion is done in a single transaction, therefore
// this operation is fully atomic.
func (d *DB) Wipe() error {
	return d.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(friendBucket)
		if err != nil && err != bolt.ErrBucketNotFound {
			return err
		}

		_, err = tx.CreateBucket(friendBucket)
		return err
	})
}

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}
