// keymanager.go: Device identity keys, one-time pre-keys and attestation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

// Storage key prefixes used by KeyManager.
const (
	deviceKeyPrefix    = "device/"
	preKeyPrefix       = "prekey/"
	preKeyHWMKeyPrefix = "prekey-hwm/"
)

// DeviceKeys is the identity of one device: an ML-DSA-65 signing pair and an
// HPKE encryption pair for the configured suite.
type DeviceKeys struct {
	DeviceID   string    `json:"device_id"`
	Signing    *KeyPair  `json:"signing"`
	Encryption *KeyPair  `json:"encryption"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// release erases both private keys.
func (d *DeviceKeys) release() {
	d.Signing.Release()
	d.Encryption.Release()
}

// PreKey is a one-time encryption key published for session establishment.
type PreKey struct {
	ID        uint32    `json:"id"`
	UserID    string    `json:"user_id"`
	KeyPair   *KeyPair  `json:"key_pair"`
	CreatedAt time.Time `json:"created_at"`
}

// preKeyRecord is the persisted public part of a pre-key.
type preKeyRecord struct {
	ID        uint32    `json:"id"`
	UserID    string    `json:"user_id"`
	Public    []byte    `json:"public"`
	Algorithm string    `json:"algorithm"`
	Suite     SuiteID   `json:"suite"`
	CreatedAt time.Time `json:"created_at"`
}

// deviceRecord is the persisted public part of a device identity.
type deviceRecord struct {
	DeviceID      string    `json:"device_id"`
	SigningKey    []byte    `json:"signing_key"`
	EncryptionKey []byte    `json:"encryption_key"`
	Suite         SuiteID   `json:"suite"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

// KeyManager generates and tracks device keys and pre-keys.
//
// Private keys live in the SecretStore; Storage only ever receives public
// material. Pre-key issuance and consumption are serialized by one mutex, so
// identifiers are strictly increasing per user and each pre-key is handed
// out at most once.
type KeyManager struct {
	mu        sync.Mutex
	cfg       *Config
	store     Storage
	secrets   *SecretStore
	attestors *AttestationManager
	logger    *zap.Logger

	devices map[string]*DeviceKeys
	preKeys map[string]map[uint32]*PreKey
}

// NewKeyManager creates a key manager. attestors may be nil, in which case
// every attestation is a software marker.
//
// Example:
//
//	km, err := xipr.NewKeyManager(cfg, xipr.NewMemoryStorage(), secrets, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer km.Close()
//	device, err := km.GenerateDeviceKeys(ctx, "phone-1")
func NewKeyManager(cfg *Config, store Storage, secrets *SecretStore, attestors *AttestationManager) (*KeyManager, error) {
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if store == nil || secrets == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "key manager requires storage and a secret store")
	}
	return &KeyManager{
		cfg:       c,
		store:     store,
		secrets:   secrets,
		attestors: attestors,
		logger:    c.Logger,
		devices:   make(map[string]*DeviceKeys),
		preKeys:   make(map[string]map[uint32]*PreKey),
	}, nil
}

// GenerateDeviceKeys creates the identity of a new device.
//
// Returns ErrDeviceExists if the device is already enrolled (locally or in
// Storage) and ErrKeyGeneration if the random source fails.
func (km *KeyManager) GenerateDeviceKeys(ctx context.Context, deviceID string) (*DeviceKeys, error) {
	if deviceID == "" {
		return nil, newError(ErrInvalidConfig, ErrCodeDevice, "device id cannot be empty")
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if _, ok := km.devices[deviceID]; ok {
		return nil, newError(ErrDeviceExists, ErrCodeDevice, "device "+RedactIdentifier(deviceID)+" already enrolled")
	}
	key := deviceKeyPrefix + deviceID
	if _, err := km.store.Get(ctx, key); err == nil {
		return nil, newError(ErrDeviceExists, ErrCodeDevice, "device "+RedactIdentifier(deviceID)+" already enrolled")
	} else if !isNotFound(err) {
		return nil, storageError("get", key, err)
	}

	keys, err := km.newDeviceKeysLocked(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}
	km.logger.Info("device keys generated",
		zap.String("device", RedactIdentifier(deviceID)),
		zap.String("signing_key", keys.Signing.Fingerprint()),
		zap.String("encryption_key", keys.Encryption.Fingerprint()))
	return keys, nil
}

// RotateDeviceKeys replaces the identity of an enrolled device. The previous
// private keys are erased before the call returns.
func (km *KeyManager) RotateDeviceKeys(ctx context.Context, deviceID string) (*DeviceKeys, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	old, ok := km.devices[deviceID]
	if !ok {
		return nil, newError(ErrDeviceNotFound, ErrCodeDevice, "device "+RedactIdentifier(deviceID)+" not enrolled here")
	}

	keys, err := km.newDeviceKeysLocked(ctx, deviceID, old.Version+1)
	if err != nil {
		return nil, err
	}
	old.release()

	km.logger.Info("device keys rotated",
		zap.String("device", RedactIdentifier(deviceID)),
		zap.Int("version", keys.Version))
	return keys, nil
}

func (km *KeyManager) newDeviceKeysLocked(ctx context.Context, deviceID string, version int) (*DeviceKeys, error) {
	signing, err := generateSigningKeyPair(km.cfg.Rand, km.secrets)
	if err != nil {
		return nil, err
	}
	encryption, err := generateKEMKeyPair(km.cfg.Suite, km.cfg.Rand, km.secrets)
	if err != nil {
		signing.Release()
		return nil, err
	}

	keys := &DeviceKeys{
		DeviceID:   deviceID,
		Signing:    signing,
		Encryption: encryption,
		Version:    version,
		CreatedAt:  timecache.CachedTime().UTC(),
	}

	record, err := json.Marshal(deviceRecord{
		DeviceID:      deviceID,
		SigningKey:    signing.Public,
		EncryptionKey: encryption.Public,
		Suite:         encryption.Suite,
		Version:       version,
		CreatedAt:     keys.CreatedAt,
	})
	if err != nil {
		keys.release()
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode device record")
	}
	key := deviceKeyPrefix + deviceID
	if err := km.store.Put(ctx, key, record); err != nil {
		keys.release()
		return nil, storageError("put", key, err)
	}

	km.devices[deviceID] = keys
	return keys, nil
}

// DeviceKeys returns the identity of a device enrolled through this manager.
func (km *KeyManager) DeviceKeys(deviceID string) (*DeviceKeys, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	keys, ok := km.devices[deviceID]
	if !ok {
		return nil, newError(ErrDeviceNotFound, ErrCodeDevice, "device "+RedactIdentifier(deviceID)+" not enrolled here")
	}
	return keys, nil
}

// GeneratePreKeys creates count one-time pre-keys for userID. A count of zero
// uses the configured batch size.
//
// Identifiers continue after the highest identifier ever issued for the user.
// The high-water mark is reserved in Storage before any key is generated, so
// identifiers are never reused, even after a failed call or a restart.
func (km *KeyManager) GeneratePreKeys(ctx context.Context, userID string, count int) ([]*PreKey, error) {
	if userID == "" {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "user id cannot be empty")
	}
	if count == 0 {
		count = km.cfg.PreKeyBatchSize
	}
	if count < 0 || count > MaxPreKeyBatchSize {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig,
			fmt.Sprintf("pre-key count must be in [0, %d]", MaxPreKeyBatchSize))
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	hwm, err := km.highWaterMarkLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if uint64(hwm)+uint64(count) > math.MaxUint32 {
		return nil, newError(ErrKeyGeneration, ErrCodeKeyGen, "pre-key identifier space exhausted")
	}
	next := hwm + uint32(count)
	hwmKey := preKeyHWMKeyPrefix + userID
	if err := km.store.Put(ctx, hwmKey, []byte(strconv.FormatUint(uint64(next), 10))); err != nil {
		return nil, storageError("put", hwmKey, err)
	}

	held := km.preKeys[userID]
	if held == nil {
		held = make(map[uint32]*PreKey)
		km.preKeys[userID] = held
	}

	out := make([]*PreKey, 0, count)
	for id := hwm + 1; id <= next; id++ {
		kp, err := generateKEMKeyPair(km.cfg.Suite, km.cfg.Rand, km.secrets)
		if err != nil {
			km.discardLocked(userID, out)
			return nil, err
		}
		pk := &PreKey{ID: id, UserID: userID, KeyPair: kp, CreatedAt: kp.CreatedAt}

		record, err := json.Marshal(preKeyRecord{
			ID:        id,
			UserID:    userID,
			Public:    kp.Public,
			Algorithm: kp.Algorithm,
			Suite:     kp.Suite,
			CreatedAt: pk.CreatedAt,
		})
		if err != nil {
			kp.Release()
			km.discardLocked(userID, out)
			return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode pre-key record")
		}
		key := preKeyStorageKey(userID, id)
		if err := km.store.Put(ctx, key, record); err != nil {
			kp.Release()
			km.discardLocked(userID, out)
			return nil, storageError("put", key, err)
		}

		held[id] = pk
		out = append(out, pk)
	}

	km.logger.Debug("pre-keys generated",
		zap.String("user", RedactIdentifier(userID)),
		zap.Uint32("first_id", hwm+1),
		zap.Uint32("last_id", next))
	return out, nil
}

// ConsumePreKey returns pre-key id of userID and invalidates it.
//
// A pre-key that was issued and already consumed yields ErrStaleOneTimeKey
// (which also matches ErrNotFound); an identifier that was never issued
// yields ErrNotFound. The returned key carries its private half when this
// manager generated it; the caller then owns it and must Release it.
func (km *KeyManager) ConsumePreKey(ctx context.Context, userID string, id uint32) (*PreKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	key := preKeyStorageKey(userID, id)
	raw, err := km.store.Get(ctx, key)
	if err != nil {
		if !isNotFound(err) {
			return nil, storageError("get", key, err)
		}
		hwm, hwmErr := km.highWaterMarkLocked(ctx, userID)
		if hwmErr != nil {
			return nil, hwmErr
		}
		if id != 0 && id <= hwm {
			return nil, staleOneTimeKey(id)
		}
		return nil, newError(ErrNotFound, ErrCodeNotFound, fmt.Sprintf("pre-key %d was never issued", id))
	}

	var rec preKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "corrupt pre-key record")
	}
	deleted, err := km.store.Delete(ctx, key)
	if err != nil {
		return nil, storageError("delete", key, err)
	}
	if !deleted {
		// Another manager sharing the store consumed it first.
		if pk, ok := km.preKeys[userID][id]; ok {
			delete(km.preKeys[userID], id)
			pk.KeyPair.Release()
		}
		return nil, staleOneTimeKey(id)
	}

	if pk, ok := km.preKeys[userID][id]; ok {
		delete(km.preKeys[userID], id)
		return pk, nil
	}
	return &PreKey{
		ID:     rec.ID,
		UserID: rec.UserID,
		KeyPair: &KeyPair{
			Public:    rec.Public,
			Algorithm: rec.Algorithm,
			Suite:     rec.Suite,
			CreatedAt: rec.CreatedAt,
		},
		CreatedAt: rec.CreatedAt,
	}, nil
}

func staleOneTimeKey(id uint32) error {
	return fmt.Errorf("%w: %w", ErrStaleOneTimeKey,
		newError(ErrNotFound, ErrCodeStalePreKey, fmt.Sprintf("pre-key %d already consumed", id)))
}

// PreKeyCount returns how many unconsumed pre-keys this manager holds for
// userID.
func (km *KeyManager) PreKeyCount(userID string) int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.preKeys[userID])
}

func (km *KeyManager) highWaterMarkLocked(ctx context.Context, userID string) (uint32, error) {
	key := preKeyHWMKeyPrefix + userID
	raw, err := km.store.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, storageError("get", key, err)
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, wrapError(ErrMalformed, err, ErrCodeMalformed, "corrupt pre-key high-water mark")
	}
	return uint32(n), nil
}

// discardLocked undoes a partially generated batch. The high-water mark is
// left in place.
func (km *KeyManager) discardLocked(userID string, batch []*PreKey) {
	for _, pk := range batch {
		pk.KeyPair.Release()
		delete(km.preKeys[userID], pk.ID)
		_, _ = km.store.Delete(context.Background(), preKeyStorageKey(userID, pk.ID))
	}
}

func preKeyStorageKey(userID string, id uint32) string {
	return preKeyPrefix + userID + "/" + strconv.FormatUint(uint64(id), 10)
}

// Attest produces an attestation for an enrolled device.
//
// With a healthy hardware attestor registered the evidence comes from the
// hardware and the assurance is AssuranceHardware. Otherwise the evidence is
// a deterministic ML-DSA-65 signature by the device's own signing key and the
// assurance is AssuranceSoftware.
func (km *KeyManager) Attest(ctx context.Context, deviceID string) (*Attestation, error) {
	keys, err := km.DeviceKeys(deviceID)
	if err != nil {
		return nil, err
	}

	att := &Attestation{
		DeviceID:      deviceID,
		SigningKey:    keys.Signing.Public,
		EncryptionKey: keys.Encryption.Public,
		Suite:         keys.Encryption.Suite,
		CreatedAt:     timecache.CachedTime().UTC(),
	}
	statement := att.Statement()

	if km.attestors != nil {
		provider, evidence, err := km.attestors.attest(ctx, statement)
		if err == nil {
			att.Provider = provider
			att.Evidence = evidence
			att.Assurance = AssuranceHardware
			km.logger.Info("device attested",
				zap.String("device", RedactIdentifier(deviceID)),
				zap.String("provider", provider))
			return att, nil
		}
		km.logger.Warn("hardware attestation unavailable, using software marker",
			zap.String("device", RedactIdentifier(deviceID)),
			zap.Error(err))
	}

	sig, err := signWith(keys.Signing, signContextAttestation, statement)
	if err != nil {
		return nil, err
	}
	att.Provider = SoftwareAttestor
	att.Evidence = sig
	att.Assurance = AssuranceSoftware
	return att, nil
}

// VerifyAttestation checks att and reports the assurance it actually
// carries. Software markers never verify at AssuranceHardware, whatever the
// Assurance field claims. When the device is enrolled here, the attested keys
// must also be its current keys.
func (km *KeyManager) VerifyAttestation(ctx context.Context, att *Attestation) (bool, Assurance) {
	if att == nil || len(att.Evidence) == 0 {
		return false, AssuranceNone
	}

	km.mu.Lock()
	keys, enrolled := km.devices[att.DeviceID]
	km.mu.Unlock()
	if enrolled && !att.matchesKeys(keys) {
		return false, AssuranceNone
	}

	statement := att.Statement()
	if att.Provider == SoftwareAttestor {
		if verifyWith(att.SigningKey, signContextAttestation, statement, att.Evidence) {
			return true, AssuranceSoftware
		}
		return false, AssuranceNone
	}

	if km.attestors != nil && km.attestors.verify(ctx, att.Provider, statement, att.Evidence) {
		return true, AssuranceHardware
	}
	return false, AssuranceNone
}

// Close erases every private key still held by the manager.
func (km *KeyManager) Close() {
	km.mu.Lock()
	defer km.mu.Unlock()
	for id, keys := range km.devices {
		keys.release()
		delete(km.devices, id)
	}
	for user, held := range km.preKeys {
		for _, pk := range held {
			pk.KeyPair.Release()
		}
		delete(km.preKeys, user)
	}
}
