// opaque.go: OPAQUE asymmetric password-authenticated key exchange, client
// side and shared configuration.
//
// The protocol itself is github.com/bytemare/opaque (RFC 9807 over
// ristretto255-SHA512 with Argon2id). This file adapts it to the xipr
// lifecycle: the ClientLogin state machine, SecretStore-style erasure of
// every intermediate value, and a single indistinguishable error for every
// failed login. Passwords are pre-hardened with the configured Argon2id
// parameters before they enter the protocol.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"sync"

	"github.com/bytemare/opaque"
	"go.uber.org/zap"
)

// Wire sizes of the OPAQUE messages for ristretto255-SHA512.
const (
	opaqueNonceSize    = 32
	opaqueMACSize      = 64
	opaqueHashSize     = 64
	opaqueSecretSize   = 32
	opaquePublicSize   = 32
	opaqueElementSize  = 32
	opaqueEnvelopeSize = opaqueNonceSize + opaqueMACSize

	// RegistrationRequestSize is the blinded password element.
	RegistrationRequestSize = opaqueElementSize
	// RegistrationResponseSize is the evaluated element and the server
	// public key.
	RegistrationResponseSize = opaqueElementSize + opaquePublicSize
	// RegistrationRecordSize is client public key, masking key and envelope.
	RegistrationRecordSize = opaquePublicSize + opaqueHashSize + opaqueEnvelopeSize

	credentialResponseSize = opaqueElementSize + opaqueNonceSize + opaquePublicSize + opaqueEnvelopeSize

	// KE1Size is the credential request plus the client AKE share.
	KE1Size = opaqueElementSize + opaqueNonceSize + opaquePublicSize
	// KE2Size is the credential response plus the server AKE share and MAC.
	KE2Size = credentialResponseSize + opaqueNonceSize + opaquePublicSize + opaqueMACSize
	// KE3Size is the client MAC.
	KE3Size = opaqueMACSize

	// SessionKeySize is the length of AuthResult.SessionKey.
	SessionKeySize = 64
)

const (
	opaqueContext = "xipr-opaque-v1"
	opaqueKSFSalt = "xipr-opaque-v1 ksf"
)

// opaqueConfiguration returns the protocol configuration shared by clients
// and servers. Both sides must agree on it byte for byte.
func opaqueConfiguration() *opaque.Configuration {
	conf := opaque.DefaultConfiguration()
	conf.Context = []byte(opaqueContext)
	return conf
}

// AuthResult is the outcome of a successful login.
type AuthResult struct {
	// UserID is the authenticated account.
	UserID string
	// SessionKey is identical on client and server.
	SessionKey []byte
	// ExportKey is an application key only the client can derive. It is
	// nil on the server side.
	ExportKey []byte
}

// Release erases the keys held by the result.
func (r *AuthResult) Release() {
	if r != nil {
		ZeroizeAll(r.SessionKey, r.ExportKey)
	}
}

// OpaqueClient runs the client side of registration and login.
type OpaqueClient struct {
	ksf    *KDFParams
	logger *zap.Logger
}

// NewOpaqueClient creates a client with the configured password hardening
// parameters.
func NewOpaqueClient(cfg *Config) (*OpaqueClient, error) {
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &OpaqueClient{ksf: c.KSF, logger: c.Logger}, nil
}

// newProtocolClient creates a single-use protocol instance.
func newProtocolClient() (*opaque.Client, error) {
	client, err := opaqueConfiguration().Client()
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, "failed to initialize OPAQUE client")
	}
	return client, nil
}

// hardenPassword stretches password with Argon2id.
func (c *OpaqueClient) hardenPassword(password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "password cannot be empty")
	}
	hardened, err := DeriveKey(password, []byte(opaqueKSFSalt), opaqueHashSize, c.ksf)
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "password hardening failed")
	}
	return hardened, nil
}

// RegistrationState is the client state between StartRegistration and
// FinishRegistration.
type RegistrationState struct {
	password []byte
	client   *opaque.Client
}

// Release erases the state. FinishRegistration calls it on every path.
func (s *RegistrationState) Release() {
	if s == nil {
		return
	}
	Zeroize(s.password)
	s.password, s.client = nil, nil
}

// StartRegistration blinds password and returns the registration request.
func (c *OpaqueClient) StartRegistration(password []byte) ([]byte, *RegistrationState, error) {
	hardened, err := c.hardenPassword(password)
	if err != nil {
		return nil, nil, err
	}
	client, err := newProtocolClient()
	if err != nil {
		Zeroize(hardened)
		return nil, nil, err
	}
	request := client.RegistrationInit(hardened)
	return request.Serialize(), &RegistrationState{password: hardened, client: client}, nil
}

// FinishRegistration builds the registration record from the server
// response. It returns the record to upload and the export key.
func (c *OpaqueClient) FinishRegistration(state *RegistrationState, response []byte) ([]byte, []byte, error) {
	if state == nil || state.client == nil {
		return nil, nil, newError(ErrInvalidState, ErrCodeState, "registration not started")
	}
	defer state.Release()

	if len(response) != RegistrationResponseSize {
		return nil, nil, newError(ErrMalformed, ErrCodeMalformed, "invalid registration response size")
	}
	resp, err := state.client.Deserialize.RegistrationResponse(response)
	if err != nil {
		return nil, nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "invalid registration response")
	}
	record, exportKey := state.client.RegistrationFinalize(resp)
	return record.Serialize(), exportKey, nil
}

// LoginState is the position of a ClientLogin in its state machine.
type LoginState int

const (
	// LoginIdle is the initial state.
	LoginIdle LoginState = iota
	// LoginRequestSent follows Start.
	LoginRequestSent
	// LoginResponseReceived is held while Finish processes KE2.
	LoginResponseReceived
	// LoginAuthenticated is terminal: the server was authenticated.
	LoginAuthenticated
	// LoginFailed is terminal: the login failed or was aborted.
	LoginFailed
)

// String returns the state name.
func (s LoginState) String() string {
	switch s {
	case LoginIdle:
		return "idle"
	case LoginRequestSent:
		return "request-sent"
	case LoginResponseReceived:
		return "response-received"
	case LoginAuthenticated:
		return "authenticated"
	case LoginFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ClientLogin is one login attempt. It is safe for concurrent use, but a
// login is a strict sequence: Start, then Finish or Abort.
//
// Every exit from RequestSent or ResponseReceived erases the hardened
// password and drops the protocol instance holding the blind and the
// ephemeral key.
type ClientLogin struct {
	mu     sync.Mutex
	client *OpaqueClient
	userID string
	state  LoginState

	password []byte
	protocol *opaque.Client
}

// NewLogin prepares a login for userID.
func (c *OpaqueClient) NewLogin(userID string) *ClientLogin {
	return &ClientLogin{client: c, userID: userID}
}

// State returns the current state.
func (l *ClientLogin) State() LoginState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start blinds password and returns KE1.
func (l *ClientLogin) Start(password []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != LoginIdle {
		return nil, newError(ErrInvalidState, ErrCodeState, "login already started")
	}
	hardened, err := l.client.hardenPassword(password)
	if err != nil {
		return nil, err
	}
	protocol, err := newProtocolClient()
	if err != nil {
		Zeroize(hardened)
		l.failLocked()
		return nil, err
	}

	l.password = hardened
	l.protocol = protocol
	ke1 := protocol.LoginInit(hardened)
	l.state = LoginRequestSent
	return ke1.Serialize(), nil
}

// Finish processes KE2. On success it returns KE3 for the server and the
// session result. Any protocol failure (wrong password, tampered message,
// unknown user) yields ErrAuthenticationFailure without further detail and
// moves the login to LoginFailed.
func (l *ClientLogin) Finish(ke2 []byte) ([]byte, *AuthResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != LoginRequestSent {
		return nil, nil, newError(ErrInvalidState, ErrCodeState, "login is not awaiting a response")
	}
	l.state = LoginResponseReceived

	ke3, result, err := l.finishLocked(ke2)
	if err != nil {
		l.client.logger.Debug("opaque login failed",
			zap.String("user", RedactIdentifier(l.userID)),
			zap.Error(err))
		l.failLocked()
		return nil, nil, authFailure()
	}
	l.wipeLocked()
	l.state = LoginAuthenticated
	return ke3, result, nil
}

func (l *ClientLogin) finishLocked(ke2 []byte) ([]byte, *AuthResult, error) {
	if len(ke2) != KE2Size {
		return nil, nil, newError(ErrMalformed, ErrCodeMalformed, "invalid KE2 size")
	}
	msg, err := l.protocol.Deserialize.KE2(ke2)
	if err != nil {
		return nil, nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "invalid KE2")
	}
	ke3, exportKey, err := l.protocol.LoginFinish(msg)
	if err != nil {
		return nil, nil, wrapError(ErrAuthenticationFailure, err, ErrCodeAuthFailure, "server authentication failed")
	}
	sessionKey := l.protocol.SessionKey()
	result := &AuthResult{
		UserID:     l.userID,
		SessionKey: append([]byte(nil), sessionKey...),
		ExportKey:  append([]byte(nil), exportKey...),
	}
	ZeroizeAll(sessionKey, exportKey)
	return ke3.Serialize(), result, nil
}

// Abort abandons the login and erases its state. Safe to call at any time.
func (l *ClientLogin) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LoginAuthenticated {
		return
	}
	l.failLocked()
}

func (l *ClientLogin) failLocked() {
	l.wipeLocked()
	l.state = LoginFailed
}

func (l *ClientLogin) wipeLocked() {
	Zeroize(l.password)
	l.password, l.protocol = nil, nil
}
