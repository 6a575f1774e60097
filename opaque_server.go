// opaque_server.go: OPAQUE server side: setup material, registration records
// and login responses.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/bytemare/opaque"
	"go.uber.org/zap"
)

const opaqueRecordPrefix = "opaque/record/"

// ServerSetupSize is the length of an exported ServerSetup: OPRF seed,
// AKE private key and AKE public key.
const ServerSetupSize = opaqueHashSize + opaqueSecretSize + opaquePublicSize

// ServerSetup is the long-term OPAQUE server material: the OPRF seed from
// which per-user OPRF keys are derived, and the static AKE key pair.
// It is generated once per deployment and must be kept for the lifetime of
// every registration made with it.
type ServerSetup struct {
	PublicKey []byte

	oprfSeed   *SecretHandle
	privateKey *SecretHandle
}

// GenerateServerSetup creates fresh server material. The OPRF seed is drawn
// from rnd.
func GenerateServerSetup(rnd io.Reader, secrets *SecretStore) (*ServerSetup, error) {
	seed, err := readRandom(rnd, opaqueHashSize)
	if err != nil {
		return nil, err
	}
	priv, pub := opaqueConfiguration().KeyGen()
	raw := make([]byte, 0, ServerSetupSize)
	raw = append(raw, seed...)
	raw = append(raw, priv...)
	raw = append(raw, pub...)
	ZeroizeAll(seed, priv)
	return ImportServerSetup(raw, secrets)
}

// ImportServerSetup loads material produced by Export. data is zeroized.
func ImportServerSetup(data []byte, secrets *SecretStore) (*ServerSetup, error) {
	defer Zeroize(data)
	if len(data) != ServerSetupSize {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "invalid server setup size")
	}
	seed := append([]byte(nil), data[:opaqueHashSize]...)
	priv := append([]byte(nil), data[opaqueHashSize:opaqueHashSize+opaqueSecretSize]...)
	pub := append([]byte(nil), data[opaqueHashSize+opaqueSecretSize:]...)

	server, err := opaqueConfiguration().Server()
	if err != nil {
		ZeroizeAll(seed, priv)
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, "failed to initialize OPAQUE server")
	}
	if err := server.SetKeyMaterial(nil, priv, pub, seed); err != nil {
		ZeroizeAll(seed, priv)
		return nil, wrapError(ErrMalformed, err, ErrCodeInvalidKey, "invalid server key material")
	}
	return &ServerSetup{
		PublicKey:  pub,
		oprfSeed:   secrets.Acquire(seed),
		privateKey: secrets.Acquire(priv),
	}, nil
}

// Export serializes the setup for durable storage. The caller owns the
// returned bytes and must protect and erase them.
func (s *ServerSetup) Export() ([]byte, error) {
	out := make([]byte, 0, ServerSetupSize)
	err := s.oprfSeed.Use(func(seed []byte) error {
		return s.privateKey.Use(func(priv []byte) error {
			out = append(out, seed...)
			out = append(out, priv...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return append(out, s.PublicKey...), nil
}

// Release erases the setup.
func (s *ServerSetup) Release() {
	s.oprfSeed.Release()
	s.privateKey.Release()
}

// protocolServer creates a single-use protocol instance loaded with the
// setup's key material.
func (s *ServerSetup) protocolServer() (*opaque.Server, error) {
	server, err := opaqueConfiguration().Server()
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, "failed to initialize OPAQUE server")
	}
	err = s.oprfSeed.Use(func(seed []byte) error {
		return s.privateKey.Use(func(priv []byte) error {
			return server.SetKeyMaterial(nil, priv, s.PublicKey, seed)
		})
	})
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidKey, "failed to load server key material")
	}
	return server, nil
}

// ServerLoginState is held by the server between StartLogin and
// FinishLogin. It is single-use.
type ServerLoginState struct {
	mu       sync.Mutex
	userID   string
	protocol *opaque.Server
	done     bool
}

// Release erases the state.
func (s *ServerLoginState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocol = nil
	s.done = true
}

// OpaqueServer stores registration records and answers logins.
type OpaqueServer struct {
	setup  *ServerSetup
	store  Storage
	logger *zap.Logger
}

// NewOpaqueServer creates a server over setup and store.
func NewOpaqueServer(cfg *Config, setup *ServerSetup, store Storage) (*OpaqueServer, error) {
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if setup == nil || store == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "opaque server requires setup and storage")
	}
	return &OpaqueServer{setup: setup, store: store, logger: c.Logger}, nil
}

// StartRegistration evaluates the client's blinded password under the
// user's OPRF key and returns the registration response.
func (s *OpaqueServer) StartRegistration(ctx context.Context, userID string, request []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "user id cannot be empty")
	}
	if len(request) != RegistrationRequestSize {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "invalid registration request size")
	}

	server, err := s.setup.protocolServer()
	if err != nil {
		return nil, err
	}
	req, err := server.Deserialize.RegistrationRequest(request)
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "invalid registration request")
	}
	pub, err := server.Deserialize.DecodeAkePublicKey(s.setup.PublicKey)
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeInvalidKey, "invalid server public key")
	}

	var response []byte
	err = s.setup.oprfSeed.Use(func(seed []byte) error {
		response = server.RegistrationResponse(req, pub, []byte(userID), seed).Serialize()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// FinishRegistration stores the client's record, replacing any previous
// registration of userID.
func (s *OpaqueServer) FinishRegistration(ctx context.Context, userID string, record []byte) error {
	if userID == "" {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig, "user id cannot be empty")
	}
	if len(record) != RegistrationRecordSize {
		return newError(ErrMalformed, ErrCodeMalformed, "invalid registration record size")
	}
	if bytes.Equal(record[:opaquePublicSize], make([]byte, opaquePublicSize)) {
		return newError(ErrMalformed, ErrCodeMalformed, "invalid client public key")
	}
	if _, err := s.parseRecord(record); err != nil {
		return err
	}

	key := opaqueRecordPrefix + userID
	if err := s.store.Put(ctx, key, record); err != nil {
		return storageError("put", key, err)
	}
	s.logger.Info("opaque registration stored", zap.String("user", RedactIdentifier(userID)))
	return nil
}

// DeleteRegistration removes the record of userID, reporting whether one
// existed.
func (s *OpaqueServer) DeleteRegistration(ctx context.Context, userID string) (bool, error) {
	key := opaqueRecordPrefix + userID
	existed, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, storageError("delete", key, err)
	}
	return existed, nil
}

// StartLogin answers KE1 with KE2.
//
// For an unknown user a fake record is used, so KE2 has the same shape and
// the login simply fails on the client.
func (s *OpaqueServer) StartLogin(ctx context.Context, userID string, ke1 []byte) ([]byte, *ServerLoginState, error) {
	if len(ke1) != KE1Size {
		return nil, nil, newError(ErrMalformed, ErrCodeMalformed, "invalid KE1 size")
	}
	server, err := s.setup.protocolServer()
	if err != nil {
		return nil, nil, err
	}
	msg, err := server.Deserialize.KE1(ke1)
	if err != nil {
		return nil, nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "invalid KE1")
	}
	record, err := s.loadRecord(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	ke2, err := server.LoginInit(msg, record)
	if err != nil {
		return nil, nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to answer KE1")
	}
	return ke2.Serialize(), &ServerLoginState{userID: userID, protocol: server}, nil
}

// FinishLogin verifies KE3. On success the session key is handed to the
// caller and the state is spent.
func (s *OpaqueServer) FinishLogin(state *ServerLoginState, ke3 []byte) (*AuthResult, error) {
	if state == nil {
		return nil, newError(ErrInvalidState, ErrCodeState, "login not started")
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.done || state.protocol == nil {
		return nil, newError(ErrInvalidState, ErrCodeState, "login state already used")
	}
	state.done = true
	server := state.protocol
	state.protocol = nil

	if len(ke3) != KE3Size {
		return nil, s.reject(state.userID)
	}
	msg, err := server.Deserialize.KE3(ke3)
	if err != nil {
		return nil, s.reject(state.userID)
	}
	if err := server.LoginFinish(msg); err != nil {
		return nil, s.reject(state.userID)
	}

	sessionKey := server.SessionKey()
	result := &AuthResult{
		UserID:     state.userID,
		SessionKey: append([]byte(nil), sessionKey...),
	}
	Zeroize(sessionKey)
	s.logger.Info("opaque login succeeded", zap.String("user", RedactIdentifier(state.userID)))
	return result, nil
}

func (s *OpaqueServer) reject(userID string) error {
	s.logger.Info("opaque login rejected", zap.String("user", RedactIdentifier(userID)))
	return authFailure()
}

// parseRecord decodes a serialized registration record.
func (s *OpaqueServer) parseRecord(record []byte) (*opaque.ClientRecord, error) {
	server, err := opaqueConfiguration().Server()
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, "failed to initialize OPAQUE server")
	}
	decoded, err := server.Deserialize.RegistrationRecord(record)
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "invalid registration record")
	}
	return &opaque.ClientRecord{RegistrationRecord: decoded}, nil
}

// loadRecord returns the stored record of userID or a fake one.
func (s *OpaqueServer) loadRecord(ctx context.Context, userID string) (*opaque.ClientRecord, error) {
	key := opaqueRecordPrefix + userID
	raw, err := s.store.Get(ctx, key)
	if err == nil {
		if len(raw) != RegistrationRecordSize {
			return nil, newError(ErrMalformed, ErrCodeMalformed, "corrupt registration record")
		}
		record, err := s.parseRecord(raw)
		if err != nil {
			return nil, err
		}
		record.CredentialIdentifier = []byte(userID)
		return record, nil
	}
	if !isNotFound(err) {
		return nil, storageError("get", key, err)
	}

	fake, err := opaqueConfiguration().GetFakeRecord([]byte(userID))
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "failed to build fake record")
	}
	return fake, nil
}
