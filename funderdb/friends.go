package funderdb

import (
	"bytes"
	"io"

	"github.com/boltdb/bolt"

	"github.com/stephensong/offst/funder"
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

// PutFriendSnapshot persists the latest snapshot of a friend, keyed by its
// public key. An existing snapshot is replaced.
func (d *DB) PutFriendSnapshot(snapshot *funder.FriendSnapshot) error {
	var b bytes.Buffer
	if err := serializeFriendSnapshot(&b, snapshot); err != nil {
		return err
	}

	return d.Update(func(tx *bolt.Tx) error {
		friends, err := tx.CreateBucketIfNotExists(friendBucket)
		if err != nil {
			return err
		}

		return friends.Put(snapshot.RemotePubKey[:], b.Bytes())
	})
}

// FetchFriendSnapshot retrieves the stored snapshot of the passed friend.
func (d *DB) FetchFriendSnapshot(
	pk fwire.PublicKey) (*funder.FriendSnapshot, error) {

	var snapshot *funder.FriendSnapshot
	err := d.View(func(tx *bolt.Tx) error {
		friends := tx.Bucket(friendBucket)
		if friends == nil {
			return ErrNoFriendsStored
		}

		rawSnapshot := friends.Get(pk[:])
		if rawSnapshot == nil {
			return ErrFriendNotFound
		}

		var err error
		snapshot, err = deserializeFriendSnapshot(
			bytes.NewReader(rawSnapshot))
		return err
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// FetchAllFriendSnapshots returns the stored snapshot of every friend. In
// the case that no friends are stored, a zero-length slice is returned.
func (d *DB) FetchAllFriendSnapshots() ([]*funder.FriendSnapshot, error) {
	var snapshots []*funder.FriendSnapshot
	err := d.View(func(tx *bolt.Tx) error {
		friends := tx.Bucket(friendBucket)
		if friends == nil {
			return nil
		}

		return friends.ForEach(func(_, rawSnapshot []byte) error {
			snapshot, err := deserializeFriendSnapshot(
				bytes.NewReader(rawSnapshot))
			if err != nil {
				return err
			}

			snapshots = append(snapshots, snapshot)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

// DeleteFriendSnapshot removes the stored snapshot of the passed friend.
func (d *DB) DeleteFriendSnapshot(pk fwire.PublicKey) error {
	return d.Update(func(tx *bolt.Tx) error {
		friends := tx.Bucket(friendBucket)
		if friends == nil {
			return ErrNoFriendsStored
		}

		if friends.Get(pk[:]) == nil {
			return ErrFriendNotFound
		}

		return friends.Delete(pk[:])
	})
}

// writeUint64 writes a big-endian uint64 to the passed writer.
func writeUint64(w io.Writer, n uint64) error {
	var b [8]byte
	byteOrder.PutUint64(b[:], n)
	_, err := w.Write(b[:])
	return err
}

// readUint64 reads a big-endian uint64 from the passed reader.
func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b[:]), nil
}

// serializeFriendSnapshot encodes a friend snapshot for storage.
func serializeFriendSnapshot(w io.Writer,
	snapshot *funder.FriendSnapshot) error {

	if _, err := w.Write(snapshot.RemotePubKey[:]); err != nil {
		return err
	}

	addr := []byte(snapshot.Address)
	if err := writeUint64(w, uint64(len(addr))); err != nil {
		return err
	}
	if _, err := w.Write(addr); err != nil {
		return err
	}

	flags := []byte{
		byte(snapshot.Status),
		byte(snapshot.LocalRequestsStatus),
		byte(snapshot.RemoteRequestsStatus),
		byte(snapshot.WantedLocalRequestsStatus),
	}
	if snapshot.IsConsistent {
		flags = append(flags, 1)
	} else {
		flags = append(flags, 0)
	}
	if _, err := w.Write(flags); err != nil {
		return err
	}

	for _, n := range []uint64{
		uint64(snapshot.Balance),
		snapshot.LocalMaxDebt,
		snapshot.RemoteMaxDebt,
		snapshot.LocalPendingDebt,
		snapshot.RemotePendingDebt,
		uint64(snapshot.NumPendingLocal),
		uint64(snapshot.NumPendingRemote),
		snapshot.WantedRemoteMaxDebt,
	} {
		if err := writeUint64(w, n); err != nil {
			return err
		}
	}

	return nil
}

// deserializeFriendSnapshot decodes a friend snapshot from storage.
func deserializeFriendSnapshot(r io.Reader) (*funder.FriendSnapshot, error) {
	snapshot := &funder.FriendSnapshot{}

	if _, err := io.ReadFull(r, snapshot.RemotePubKey[:]); err != nil {
		return nil, err
	}

	addrLen, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	addr := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addr); err != nil {
		return nil, err
	}
	snapshot.Address = string(addr)

	var flags [5]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return nil, err
	}
	snapshot.Status = funder.FriendStatus(flags[0])
	snapshot.LocalRequestsStatus = tokenchannel.RequestsStatus(flags[1])
	snapshot.RemoteRequestsStatus = tokenchannel.RequestsStatus(flags[2])
	snapshot.WantedLocalRequestsStatus = tokenchannel.RequestsStatus(flags[3])
	snapshot.IsConsistent = flags[4] == 1

	fields := []*uint64{
		nil, // balance handled separately below.
		&snapshot.LocalMaxDebt,
		&snapshot.RemoteMaxDebt,
		&snapshot.LocalPendingDebt,
		&snapshot.RemotePendingDebt,
		nil, // numPendingLocal
		nil, // numPendingRemote
		&snapshot.WantedRemoteMaxDebt,
	}
	for i, field := range fields {
		n, err := readUint64(r)
		if err != nil {
			return nil, err
		}

		switch i {
		case 0:
			snapshot.Balance = int64(n)
		case 5:
			snapshot.NumPendingLocal = int(n)
		case 6:
			snapshot.NumPendingRemote = int(n)
		default:
			*field = n
		}
	}

	return snapshot, nil
}
