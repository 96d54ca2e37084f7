package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"
)

var masterKeyName = []byte("master")

// hkdf context string binding the derived key to its single purpose. Changing
// it invalidates every existing credential record.
const sealingKeyInfo = "recipeclipd/credential-sealing/v1"

// loadOrCreateMasterKey returns the installation master secret, generating
// and persisting it on first run. The secret lives for the lifetime of the
// installation; losing it only forces re-authentication.
func loadOrCreateMasterKey(db *bbolt.DB) ([]byte, error) {
	var master []byte
	err := db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKeys)
		if bucket == nil {
			return fmt.Errorf("keys bucket not found")
		}
		if existing := bucket.Get(masterKeyName); existing != nil {
			if len(existing) != KeySize {
				return fmt.Errorf("stored master key has invalid length %d", len(existing))
			}
			master = append([]byte(nil), existing...)
			return nil
		}
		fresh := make([]byte, KeySize)
		if _, err := rand.Read(fresh); err != nil {
			return fmt.Errorf("generate master key: %w", err)
		}
		if err := bucket.Put(masterKeyName, fresh); err != nil {
			return fmt.Errorf("persist master key: %w", err)
		}
		master = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return master, nil
}

// deriveSealingKey derives the working AEAD key from the master secret so the
// at-rest secret and the key that touches ciphertext stay distinct.
func deriveSealingKey(master []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(sealingKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return key, nil
}
