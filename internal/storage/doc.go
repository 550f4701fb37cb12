// Package storage keeps an append-only audit log of alert deliveries.
//
// Records are written once a submission reaches its terminal outcome and are
// only read back for operator views. Nothing here is replayed on startup.
package storage
