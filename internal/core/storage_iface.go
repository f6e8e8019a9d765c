package core

import "errors"

var ErrNotFound = errors.New("not found")

// KVOp is a single put or delete inside an atomic batch.
type KVOp struct {
	Key    string
	Value  []byte
	Delete bool
}

func Put(key string, value []byte) KVOp { return KVOp{Key: key, Value: value} }
func Del(key string) KVOp               { return KVOp{Key: key, Delete: true} }

// KV is a durable key/value store surviving process restarts.
type KV interface {
	Get(key string) ([]byte, error)
	// Apply commits all ops or none.
	Apply(ops ...KVOp) error
	Close() error
}
