package engine

import (
	"encoding/binary"

	"github.com/unikv/tabletstore/tablet/mvcc"
	"github.com/unikv/tabletstore/util/codec"
)

// The tablet's keyspace inside badger. User keys are memcomparable-encoded
// and placed behind a reserved prefix byte, so the old-version keyspace is
// simply the data prefix plus one.
//
//	d<encodedKey>                 latest version, user meta = (commitTS, opID)
//	e<encodedKey><desc commitTS>  old versions, user meta = (commitTS, nextCommitTS)
//	i<encodedKey>                 provisional transaction intent
//	m<name>                       tablet metadata
const (
	DataPrefix   = byte('d')
	OldPrefix    = byte('e')
	IntentPrefix = byte('i')
	MetaPrefix   = byte('m')
)

var defaultEndian = binary.LittleEndian

func DataKey(encodedKey []byte) []byte {
	return append([]byte{DataPrefix}, encodedKey...)
}

// OldKey encodes a historical version key. The inverted timestamp suffix
// makes versions of one key sort newest first.
func OldKey(encodedKey []byte, commitTS mvcc.HybridTime) []byte {
	key := codec.AppendTsDesc(DataKey(encodedKey), uint64(commitTS))
	key[0] = OldPrefix
	return key
}

// OldKeyPrefix is OldKey without the version suffix, used for prefix seeks
// over all versions of one key.
func OldKeyPrefix(encodedKey []byte) []byte {
	key := DataKey(encodedKey)
	key[0] = OldPrefix
	return key
}

func IntentKey(encodedKey []byte) []byte {
	return append([]byte{IntentPrefix}, encodedKey...)
}

func MetaKey(name string) []byte {
	return append([]byte{MetaPrefix}, name...)
}

// UserMeta is attached to latest-version entries.
type UserMeta []byte

func NewUserMeta(commitTS mvcc.HybridTime, opID uint64) UserMeta {
	m := make(UserMeta, 16)
	defaultEndian.PutUint64(m, uint64(commitTS))
	defaultEndian.PutUint64(m[8:], opID)
	return m
}

func (m UserMeta) CommitTS() mvcc.HybridTime {
	return mvcc.HybridTime(defaultEndian.Uint64(m))
}

func (m UserMeta) OpID() uint64 {
	return defaultEndian.Uint64(m[8:])
}

// ToOldUserMeta converts a latest-version meta into an old-version one once a
// newer write at nextCommitTS supersedes it. The compactor uses NextCommitTS
// to decide when the old version falls below the GC horizon.
func (m UserMeta) ToOldUserMeta(nextCommitTS mvcc.HybridTime) OldUserMeta {
	o := OldUserMeta(append([]byte{}, m...))
	defaultEndian.PutUint64(o[8:], uint64(nextCommitTS))
	return o
}

// OldUserMeta is attached to old-version entries.
type OldUserMeta []byte

func (m OldUserMeta) CommitTS() mvcc.HybridTime {
	return mvcc.HybridTime(defaultEndian.Uint64(m))
}

func (m OldUserMeta) NextCommitTS() mvcc.HybridTime {
	return mvcc.HybridTime(defaultEndian.Uint64(m[8:]))
}
