package lsm

import "errors"

var (
	errShortBloom     = errors.New("lsm: truncated bloom filter block")
	errShortIndex     = errors.New("lsm: truncated sparse index block")
	errBadFooter      = errors.New("lsm: invalid sstable footer")
	errBadManifest    = errors.New("lsm: invalid manifest")
	errNotFound       = errors.New("lsm: key not found")
	errSSTableClosed  = errors.New("lsm: sstable reader is closed")
)
