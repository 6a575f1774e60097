// group.go: Epoch-based group key agreement with forward secrecy and
// post-compromise security.
//
// Every membership change is a commit that mixes a fresh commit secret into
// the epoch secret chain. The commit secret is sealed only to the members of
// the new epoch, so a removed member cannot follow the chain, and superseded
// epoch secrets are erased once they leave the retention window.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	groupSecretSize = 32
	groupKeyPrefix  = "group/"
	maxIDLength     = 255
)

// GroupEpoch is the public view of a group at one epoch.
type GroupEpoch struct {
	GroupID string   `json:"group_id"`
	Epoch   uint64   `json:"epoch"`
	Members []Member `json:"members"`
}

// HasMember reports whether id belongs to the epoch's roster.
func (e *GroupEpoch) HasMember(id string) bool {
	for _, m := range e.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// replayWindow tracks the sequence numbers seen from one sender in one epoch.
type replayWindow struct {
	highest uint64
	any     bool
	seen    map[uint64]struct{}
}

func (w *replayWindow) check(seq, size uint64) error {
	if w.any && w.highest >= size && seq <= w.highest-size {
		return newError(ErrReplayRejected, ErrCodeReplay, "sequence number outside replay window")
	}
	if _, ok := w.seen[seq]; ok {
		return newError(ErrReplayRejected, ErrCodeReplay, "message already processed")
	}
	return nil
}

func (w *replayWindow) record(seq, size uint64) {
	if w.seen == nil {
		w.seen = make(map[uint64]struct{})
	}
	w.seen[seq] = struct{}{}
	if !w.any || seq > w.highest {
		w.highest = seq
		w.any = true
		if w.highest >= size {
			floor := w.highest - size
			for s := range w.seen {
				if s <= floor {
					delete(w.seen, s)
				}
			}
		}
	}
}

// epochState is what a member retains about one epoch.
type epochState struct {
	appSecret *SecretHandle
	senders   map[string][]byte // member id to signing key

	replay    map[string]*replayWindow
}

func (e *epochState) release() {
	e.appSecret.Release()
	e.replay = nil
}

// groupState is one group as seen by the local member. Its mutex serializes
// epoch changes and sequence number assignment.
type groupState struct {
	mu          sync.Mutex
	id          string
	epoch       uint64
	members     map[string]Member
	epochSecret *SecretHandle
	epochs      map[uint64]*epochState
	sendSeq     uint64
	closed      bool
}

func (g *groupState) view() *GroupEpoch {
	return &GroupEpoch{GroupID: g.id, Epoch: g.epoch, Members: sortedMembers(g.members)}
}

func (g *groupState) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *groupState) releaseAll() {
	g.epochSecret.Release()
	for epoch, st := range g.epochs {
		st.release()
		delete(g.epochs, epoch)
	}
	g.closed = true
}

// GroupRatchet manages the groups the local device belongs to. Groups are
// independent: operations on different groups never contend.
type GroupRatchet struct {
	cfg     *Config
	device  *DeviceKeys
	self    Member
	hpke    *HybridCipher
	secrets *SecretStore
	store   Storage
	logger  *zap.Logger

	mu     sync.RWMutex
	groups map[string]*groupState
}

// NewGroupRatchet creates the group engine of device. store is optional and
// receives public epoch snapshots under group/<id>.
func NewGroupRatchet(cfg *Config, device *DeviceKeys, secrets *SecretStore, store Storage) (*GroupRatchet, error) {
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if device == nil || device.Signing == nil || device.Encryption == nil || secrets == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "group ratchet requires device keys and a secret store")
	}
	hc := *c
	hc.Suite = device.Encryption.Suite
	hpke, err := NewHybridCipher(&hc)
	if err != nil {
		return nil, err
	}
	return &GroupRatchet{
		cfg:     c,
		device:  device,
		self:    MemberFromDevice(device),
		hpke:    hpke,
		secrets: secrets,
		store:   store,
		logger:  c.Logger.With(zap.String("member", RedactIdentifier(device.DeviceID))),
		groups:  make(map[string]*groupState),
	}, nil
}

// Self returns the local member entry.
func (r *GroupRatchet) Self() Member {
	return r.self
}

// CreateGroup starts a group at epoch 0 with the local device as its only
// member.
func (r *GroupRatchet) CreateGroup(ctx context.Context, groupID string) (*GroupEpoch, error) {
	if err := validateID("group id", groupID); err != nil {
		return nil, err
	}
	secret, err := readRandom(r.cfg.Rand, groupSecretSize)
	if err != nil {
		return nil, err
	}

	self := r.self
	self.JoinEpoch = 0
	g := &groupState{
		id:      groupID,
		members: map[string]Member{self.ID: self},
		epochs:  make(map[uint64]*epochState),
	}
	g.install(r.secrets, 0, secret, 0)

	if err := r.register(g); err != nil {
		g.releaseAll()
		return nil, err
	}
	view := g.view()
	r.persist(ctx, view)
	r.logger.Info("group created", zap.String("group", RedactIdentifier(groupID)))
	return view, nil
}

// AddMember admits candidate. It returns the Welcome for the candidate and
// the Commit for the existing members; the local state already reflects the
// new epoch when AddMember returns.
func (r *GroupRatchet) AddMember(ctx context.Context, groupID string, candidate Member) (*Welcome, *Commit, error) {
	if err := validateID("member id", candidate.ID); err != nil {
		return nil, nil, err
	}
	if candidate.Suite != r.self.Suite {
		return nil, nil, newError(ErrInvalidConfig, ErrCodeMembership,
			fmt.Sprintf("member suite %s does not match group suite %s", candidate.Suite, r.self.Suite))
	}
	if len(candidate.SigningKey) == 0 || len(candidate.EncryptionKey) == 0 {
		return nil, nil, newError(ErrInvalidConfig, ErrCodeMembership, "member keys missing")
	}

	g, err := r.group(groupID)
	if err != nil {
		return nil, nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, newError(ErrGroupClosed, ErrCodeGroup, "group closed")
	}
	if _, ok := g.members[candidate.ID]; ok {
		return nil, nil, newError(ErrMemberExists, ErrCodeMembership, "member "+RedactIdentifier(candidate.ID)+" already in group")
	}

	newEpoch := g.epoch + 1
	candidate.JoinEpoch = newEpoch
	candidate.EncryptionKey = bytes.Clone(candidate.EncryptionKey)
	candidate.SigningKey = bytes.Clone(candidate.SigningKey)
	roster := cloneMembers(g.members)
	roster[candidate.ID] = candidate

	commit := &Commit{GroupID: groupID, Epoch: newEpoch, Committer: r.self.ID, Added: &candidate}
	newSecret, err := r.commitLocked(g, commit, roster, func(id string) bool { return id != candidate.ID })
	if err != nil {
		return nil, nil, err
	}

	welcome, err := r.welcomeLocked(g, candidate, newEpoch, newSecret, roster)
	if err != nil {
		Zeroize(newSecret)
		return nil, nil, err
	}

	g.members = roster
	g.install(r.secrets, newEpoch, newSecret, r.cfg.EpochRetention)
	view := g.view()
	r.persist(ctx, view)
	r.logger.Info("member added",
		zap.String("group", RedactIdentifier(groupID)),
		zap.String("added", RedactIdentifier(candidate.ID)),
		zap.Uint64("epoch", newEpoch))
	return welcome, commit, nil
}

// RemoveMember expels memberID. The returned Commit is sealed to every
// remaining member; the removed member receives nothing and cannot derive the
// new epoch. The local device cannot remove itself; use CloseGroup.
func (r *GroupRatchet) RemoveMember(ctx context.Context, groupID, memberID string) (*Commit, error) {
	if memberID == r.self.ID {
		return nil, newError(ErrInvalidState, ErrCodeMembership, "cannot remove self, close the group instead")
	}
	g, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, newError(ErrGroupClosed, ErrCodeGroup, "group closed")
	}
	if _, ok := g.members[memberID]; !ok {
		return nil, newError(ErrNotMember, ErrCodeMembership, "member "+RedactIdentifier(memberID)+" not in group")
	}

	newEpoch := g.epoch + 1
	roster := cloneMembers(g.members)
	delete(roster, memberID)

	commit := &Commit{GroupID: groupID, Epoch: newEpoch, Committer: r.self.ID, Removed: memberID}
	newSecret, err := r.commitLocked(g, commit, roster, func(string) bool { return true })
	if err != nil {
		return nil, err
	}

	g.members = roster
	g.install(r.secrets, newEpoch, newSecret, r.cfg.EpochRetention)
	view := g.view()
	r.persist(ctx, view)
	r.logger.Info("member removed",
		zap.String("group", RedactIdentifier(groupID)),
		zap.String("removed", RedactIdentifier(memberID)),
		zap.Uint64("epoch", newEpoch))
	return commit, nil
}

// commitLocked draws the commit secret, seals it to every member of roster
// other than the committer that include selects, signs the commit and
// returns the next epoch secret.
func (r *GroupRatchet) commitLocked(g *groupState, commit *Commit, roster map[string]Member, include func(string) bool) ([]byte, error) {
	commitSecret, err := readRandom(r.cfg.Rand, groupSecretSize)
	if err != nil {
		return nil, err
	}
	defer Zeroize(commitSecret)

	for _, m := range sortedMembers(roster) {
		if m.ID == r.self.ID || !include(m.ID) {
			continue
		}
		ct, err := r.hpke.Seal(m.EncryptionKey, commitSecret, commitAD(commit.GroupID, commit.Epoch, commit.Committer, m.ID))
		if err != nil {
			return nil, err
		}
		commit.Secrets = append(commit.Secrets, SealedSecret{MemberID: m.ID, Ciphertext: ct})
	}

	body, err := commit.signedBody()
	if err != nil {
		return nil, err
	}
	commit.Signature, err = signWith(r.device.Signing, signContextCommit, body)
	if err != nil {
		return nil, err
	}

	var next []byte
	err = g.epochSecret.Use(func(prev []byte) error {
		next = deriveEpochSecret(prev, commitSecret, g.id, commit.Epoch, sortedMembers(roster))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// welcomeLocked seals the new epoch secret and roster to candidate.
func (r *GroupRatchet) welcomeLocked(g *groupState, candidate Member, epoch uint64, secret []byte, roster map[string]Member) (*Welcome, error) {
	plain := append(bytes.Clone(secret), encodeRoster(sortedMembers(roster))...)
	defer Zeroize(plain)

	ct, err := r.hpke.Seal(candidate.EncryptionKey, plain, welcomeAD(g.id, epoch, candidate.ID, r.self.ID))
	if err != nil {
		return nil, err
	}
	w := &Welcome{GroupID: g.id, Epoch: epoch, Recipient: candidate.ID, Committer: r.self.ID, Ciphertext: ct}
	body, err := w.signedBody()
	if err != nil {
		return nil, err
	}
	if w.Signature, err = signWith(r.device.Signing, signContextCommit, body); err != nil {
		return nil, err
	}
	return w, nil
}

// JoinGroup processes a Welcome addressed to the local device.
func (r *GroupRatchet) JoinGroup(ctx context.Context, welcome *Welcome) (*GroupEpoch, error) {
	if welcome == nil || welcome.Ciphertext == nil {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "nil welcome")
	}
	if welcome.Recipient != r.self.ID {
		return nil, newError(ErrNotMember, ErrCodeMembership, "welcome addressed to another member")
	}
	if !bytes.Equal(welcome.Ciphertext.AssociatedData, welcomeAD(welcome.GroupID, welcome.Epoch, welcome.Recipient, welcome.Committer)) {
		return nil, authFailure()
	}

	plain, err := r.hpke.Open(r.device.Encryption, welcome.Ciphertext)
	if err != nil {
		return nil, err
	}
	defer Zeroize(plain)
	if len(plain) < groupSecretSize {
		return nil, authFailure()
	}
	members, ok := decodeRoster(plain[groupSecretSize:])
	if !ok {
		return nil, authFailure()
	}
	roster := make(map[string]Member, len(members))
	for _, m := range members {
		roster[m.ID] = m
	}

	me, ok := roster[r.self.ID]
	if !ok || !bytes.Equal(me.EncryptionKey, r.self.EncryptionKey) {
		return nil, authFailure()
	}
	committer, ok := roster[welcome.Committer]
	if !ok {
		return nil, authFailure()
	}
	body, err := welcome.signedBody()
	if err != nil {
		return nil, err
	}
	if !verifyWith(committer.SigningKey, signContextCommit, body, welcome.Signature) {
		return nil, authFailure()
	}

	g := &groupState{
		id:      welcome.GroupID,
		members: roster,
		epochs:  make(map[uint64]*epochState),
	}
	g.install(r.secrets, welcome.Epoch, bytes.Clone(plain[:groupSecretSize]), r.cfg.EpochRetention)

	if err := r.register(g); err != nil {
		g.releaseAll()
		return nil, err
	}
	view := g.view()
	r.persist(ctx, view)
	r.logger.Info("group joined",
		zap.String("group", RedactIdentifier(welcome.GroupID)),
		zap.Uint64("epoch", welcome.Epoch))
	return view, nil
}

// ProcessCommit applies a commit made by another member.
//
// The commit must target exactly the next epoch: an older epoch is a replay
// (ErrReplayRejected), a later one means commits were missed
// (ErrEpochUnavailable). A commit that removes the local device closes the
// group locally and returns ErrNotMember.
func (r *GroupRatchet) ProcessCommit(ctx context.Context, commit *Commit) (*GroupEpoch, error) {
	if commit == nil {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "nil commit")
	}
	if (commit.Added == nil) == (commit.Removed == "") {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "commit must add or remove exactly one member")
	}
	g, err := r.group(commit.GroupID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, newError(ErrGroupClosed, ErrCodeGroup, "group closed")
	}

	switch {
	case commit.Epoch <= g.epoch:
		return nil, newError(ErrReplayRejected, ErrCodeReplay,
			fmt.Sprintf("commit for epoch %d already superseded (current %d)", commit.Epoch, g.epoch))
	case commit.Epoch > g.epoch+1:
		return nil, newError(ErrEpochUnavailable, ErrCodeEpoch,
			fmt.Sprintf("commit for epoch %d skips epochs (current %d)", commit.Epoch, g.epoch))
	}

	committer, ok := g.members[commit.Committer]
	if !ok {
		return nil, authFailure()
	}
	body, err := commit.signedBody()
	if err != nil {
		return nil, err
	}
	if !verifyWith(committer.SigningKey, signContextCommit, body, commit.Signature) {
		return nil, authFailure()
	}

	roster := cloneMembers(g.members)
	if commit.Added != nil {
		if _, exists := roster[commit.Added.ID]; exists {
			return nil, newError(ErrMemberExists, ErrCodeMembership, "commit adds an existing member")
		}
		added := *commit.Added
		added.JoinEpoch = commit.Epoch
		roster[added.ID] = added
	} else {
		if _, exists := roster[commit.Removed]; !exists {
			return nil, newError(ErrNotMember, ErrCodeMembership, "commit removes a non-member")
		}
		delete(roster, commit.Removed)
	}

	if commit.Removed == r.self.ID {
		g.releaseAll()
		r.logger.Info("removed from group", zap.String("group", RedactIdentifier(g.id)), zap.Uint64("epoch", commit.Epoch))
		return nil, newError(ErrNotMember, ErrCodeMembership, "local member removed from group")
	}

	var sealed *HybridCiphertext
	for _, s := range commit.Secrets {
		if s.MemberID == r.self.ID {
			sealed = s.Ciphertext
			break
		}
	}
	if sealed == nil || !bytes.Equal(sealed.AssociatedData, commitAD(commit.GroupID, commit.Epoch, commit.Committer, r.self.ID)) {
		return nil, authFailure()
	}
	commitSecret, err := r.hpke.Open(r.device.Encryption, sealed)
	if err != nil {
		return nil, err
	}
	defer Zeroize(commitSecret)
	if len(commitSecret) != groupSecretSize {
		return nil, authFailure()
	}

	var next []byte
	err = g.epochSecret.Use(func(prev []byte) error {
		next = deriveEpochSecret(prev, commitSecret, g.id, commit.Epoch, sortedMembers(roster))
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.members = roster
	g.install(r.secrets, commit.Epoch, next, r.cfg.EpochRetention)
	view := g.view()
	r.persist(ctx, view)
	r.logger.Debug("commit processed",
		zap.String("group", RedactIdentifier(g.id)),
		zap.String("committer", RedactIdentifier(commit.Committer)),
		zap.Uint64("epoch", commit.Epoch))
	return view, nil
}

// Encrypt protects plaintext under the current epoch. Sequence numbers are
// assigned under the group lock, so concurrent senders never share a nonce.
func (r *GroupRatchet) Encrypt(ctx context.Context, groupID string, plaintext []byte) (*GroupMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, newError(ErrGroupClosed, ErrCodeGroup, "group closed")
	}

	msg := &GroupMessage{
		ID:      uuid.NewString(),
		GroupID: groupID,
		Epoch:   g.epoch,
		Sender:  r.self.ID,
		Seq:     g.sendSeq,
	}
	g.sendSeq++

	st := g.epochs[g.epoch]
	err = st.appSecret.Use(func(app []byte) error {
		key, nonce := messageKeys(app, msg.Sender, msg.Seq)
		defer ZeroizeAll(key, nonce)
		ct, err := sealDeterministic(r.suiteAEAD(), key, nonce, plaintext, msg.header())
		if err != nil {
			return err
		}
		msg.Ciphertext = ct
		return nil
	})
	if err != nil {
		return nil, err
	}
	body, err := msg.signedBody()
	if err != nil {
		return nil, err
	}
	if msg.Signature, err = signWith(r.device.Signing, signContextGroupMsg, body); err != nil {
		return nil, err
	}
	return msg, nil
}

// Decrypt opens a group message.
//
// Messages from an epoch outside the retained window yield
// ErrEpochUnavailable; already processed or too old sequence numbers yield
// ErrReplayRejected; unknown senders, messages not signed by the claimed
// sender and tampered messages yield ErrAuthenticationFailure. A sequence
// number is only recorded after the message authenticated.
func (r *GroupRatchet) Decrypt(ctx context.Context, msg *GroupMessage) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "nil message")
	}
	g, err := r.group(msg.GroupID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, newError(ErrGroupClosed, ErrCodeGroup, "group closed")
	}

	st, ok := g.epochs[msg.Epoch]
	if !ok {
		return nil, newError(ErrEpochUnavailable, ErrCodeEpoch,
			fmt.Sprintf("epoch %d not retained (current %d)", msg.Epoch, g.epoch))
	}
	signingKey, ok := st.senders[msg.Sender]
	if !ok {
		return nil, authFailure()
	}
	body, err := msg.signedBody()
	if err != nil {
		return nil, err
	}
	if !verifyWith(signingKey, signContextGroupMsg, body, msg.Signature) {
		return nil, authFailure()
	}
	window := st.replay[msg.Sender]
	if window == nil {
		window = &replayWindow{}
		st.replay[msg.Sender] = window
	}
	if err := window.check(msg.Seq, r.cfg.ReplayWindow); err != nil {
		return nil, err
	}

	var plaintext []byte
	err = st.appSecret.Use(func(app []byte) error {
		key, nonce := messageKeys(app, msg.Sender, msg.Seq)
		defer ZeroizeAll(key, nonce)
		pt, err := openDeterministic(r.suiteAEAD(), key, nonce, msg.Ciphertext, msg.header())
		if err != nil {
			return err
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	window.record(msg.Seq, r.cfg.ReplayWindow)
	return plaintext, nil
}

// Epoch returns the public view of a group.
func (r *GroupRatchet) Epoch(groupID string) (*GroupEpoch, error) {
	g, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, newError(ErrGroupClosed, ErrCodeGroup, "group closed")
	}
	return g.view(), nil
}

// CloseGroup erases every secret of the group and forgets it locally.
func (r *GroupRatchet) CloseGroup(groupID string) error {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	delete(r.groups, groupID)
	r.mu.Unlock()
	if !ok {
		return newError(ErrGroupNotFound, ErrCodeGroup, "group "+RedactIdentifier(groupID)+" not found")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseAll()
	return nil
}

// Close erases the secrets of every group.
func (r *GroupRatchet) Close() {
	r.mu.Lock()
	groups := r.groups
	r.groups = make(map[string]*groupState)
	r.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		g.releaseAll()
		g.mu.Unlock()
	}
}

// LoadSnapshot reads the last persisted public view of a group.
func (r *GroupRatchet) LoadSnapshot(ctx context.Context, groupID string) (*GroupEpoch, error) {
	if r.store == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "no storage configured")
	}
	key := groupKeyPrefix + groupID
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, storageError("get", key, err)
	}
	var view GroupEpoch
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "corrupt group snapshot")
	}
	return &view, nil
}

func (r *GroupRatchet) group(groupID string) (*groupState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, newError(ErrGroupNotFound, ErrCodeGroup, "group "+RedactIdentifier(groupID)+" not found")
	}
	return g, nil
}

func (r *GroupRatchet) register(g *groupState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.groups[g.id]; ok && !existing.isClosed() {
		return newError(ErrGroupExists, ErrCodeGroup, "group "+RedactIdentifier(g.id)+" already exists")
	}
	r.groups[g.id] = g
	return nil
}

// persist writes the public view of a group. Snapshot failures are logged
// and do not fail the operation: the in-memory state is authoritative.
func (r *GroupRatchet) persist(ctx context.Context, view *GroupEpoch) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(view)
	if err == nil {
		err = r.store.Put(ctx, groupKeyPrefix+view.GroupID, raw)
	}
	if err != nil {
		r.logger.Warn("group snapshot not persisted",
			zap.String("group", RedactIdentifier(view.GroupID)),
			zap.Error(err))
	}
}

func (r *GroupRatchet) suiteAEAD() AEADAlgorithm {
	p, err := r.self.Suite.params()
	if err != nil {
		return AEADAES256GCM
	}
	return p.groupAEAD
}

// install makes epoch current with secret, which is moved into secrets, and
// drops epochs that fell out of the retention window.
func (g *groupState) install(secrets *SecretStore, epoch uint64, secret []byte, retention int) {
	app := expandLabel(secret, "ApplicationSecret", groupSecretSize)

	if g.epochSecret != nil {
		g.epochSecret.Release()
	}
	g.epochSecret = secrets.Acquire(secret)

	senders := make(map[string][]byte, len(g.members))
	for id, m := range g.members {
		senders[id] = m.SigningKey
	}
	g.epochs[epoch] = &epochState{
		appSecret: secrets.Acquire(app),
		senders:   senders,
		replay:    make(map[string]*replayWindow),
	}
	g.epoch = epoch
	g.sendSeq = 0

	for e, st := range g.epochs {
		if e+uint64(retention) < epoch {
			st.release()
			delete(g.epochs, e)
		}
	}
}

// deriveEpochSecret chains the previous epoch secret with a fresh commit
// secret, bound to the group, the epoch number and the new roster.
func deriveEpochSecret(prev, commitSecret []byte, groupID string, epoch uint64, roster []Member) []byte {
	prk := hkdfExtract(prev, commitSecret)
	defer Zeroize(prk)
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	return expandLabel(prk, "EpochSecret", groupSecretSize, []byte(groupID), epochBytes[:], sha256Sum(encodeRoster(roster)))
}

// messageKeys derives the AEAD key and nonce of one (sender, seq) pair.
func messageKeys(appSecret []byte, sender string, seq uint64) ([]byte, []byte) {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	key := expandLabel(appSecret, "MessageKey", KeySize, []byte(sender), seqBytes[:])
	nonce := expandLabel(appSecret, "MessageNonce", 12, []byte(sender), seqBytes[:])
	return key, nonce
}

func commitAD(groupID string, epoch uint64, committer, recipient string) []byte {
	return groupAD("commit", groupID, epoch, committer, recipient)
}

func welcomeAD(groupID string, epoch uint64, recipient, committer string) []byte {
	return groupAD("welcome", groupID, epoch, committer, recipient)
}

func groupAD(kind, groupID string, epoch uint64, committer, recipient string) []byte {
	buf := append([]byte(labelPrefix), kind...)
	buf = appendLengthPrefixed(buf, []byte(groupID))
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	buf = appendLengthPrefixed(buf, []byte(committer))
	return appendLengthPrefixed(buf, []byte(recipient))
}

func cloneMembers(in map[string]Member) map[string]Member {
	out := make(map[string]Member, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func validateID(what, id string) error {
	if id == "" || len(id) > maxIDLength {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig,
			fmt.Sprintf("%s must be 1-%d bytes", what, maxIDLength))
	}
	return nil
}
