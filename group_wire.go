// group_wire.go: Binary encoding of group handshake and application messages
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"sort"

	"golang.org/x/crypto/cryptobyte"
)

const groupWireVersion = 1

// Commit kinds.
const (
	commitAdd    uint8 = 1
	commitRemove uint8 = 2
)

// Member is one participant of a group, identified by its device.
type Member struct {
	ID            string  `json:"id"`
	EncryptionKey []byte  `json:"encryption_key"`
	SigningKey    []byte  `json:"signing_key"`
	Suite         SuiteID `json:"suite"`
	JoinEpoch     uint64  `json:"join_epoch"`
}

// MemberFromDevice builds the member entry of a device identity.
func MemberFromDevice(keys *DeviceKeys) Member {
	return Member{
		ID:            keys.DeviceID,
		EncryptionKey: bytes.Clone(keys.Encryption.Public),
		SigningKey:    bytes.Clone(keys.Signing.Public),
		Suite:         keys.Encryption.Suite,
	}
}

// SealedSecret is the commit secret sealed to one member.
type SealedSecret struct {
	MemberID   string
	Ciphertext *HybridCiphertext
}

// Commit advances a group to Epoch. Exactly one of Added and Removed is set.
type Commit struct {
	GroupID   string
	Epoch     uint64
	Committer string
	Added     *Member
	Removed   string
	Secrets   []SealedSecret
	Signature []byte
}

// Welcome admits a new member. The ciphertext carries the epoch secret and
// the roster and is sealed to the new member's encryption key.
type Welcome struct {
	GroupID    string
	Epoch      uint64
	Recipient  string
	Committer  string
	Ciphertext *HybridCiphertext
	Signature  []byte
}

// GroupMessage is an application message protected under an epoch key and
// signed by the sender's device key.
type GroupMessage struct {
	ID         string
	GroupID    string
	Epoch      uint64
	Sender     string
	Seq        uint64
	Ciphertext []byte
	Signature  []byte
}

func addString16(b *cryptobyte.Builder, s string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(s)) })
}

func addBytes16(b *cryptobyte.Builder, v []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(v) })
}

func addBytes32(b *cryptobyte.Builder, v []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(v) })
}

func readString16(s *cryptobyte.String, out *string) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = string(v)
	return true
}

func readBytes16(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = bytes.Clone(v)
	return true
}

func addMember(b *cryptobyte.Builder, m *Member) {
	addString16(b, m.ID)
	addBytes16(b, m.EncryptionKey)
	addBytes16(b, m.SigningKey)
	b.AddUint16(uint16(m.Suite))
	b.AddUint64(m.JoinEpoch)
}

func readMember(s *cryptobyte.String, m *Member) bool {
	var suite uint16
	if !readString16(s, &m.ID) ||
		!readBytes16(s, &m.EncryptionKey) ||
		!readBytes16(s, &m.SigningKey) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint64(&m.JoinEpoch) {
		return false
	}
	m.Suite = SuiteID(suite)
	return true
}

// sortedMembers returns the roster ordered by member id.
func sortedMembers(members map[string]Member) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func encodeRoster(members []Member) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(uint32(len(members)))
	for i := range members {
		addMember(b, &members[i])
	}
	return b.BytesOrPanic()
}

func decodeRoster(data []byte) ([]Member, bool) {
	s := cryptobyte.String(data)
	var n uint32
	if !s.ReadUint32(&n) {
		return nil, false
	}
	members := make([]Member, 0, min(int(n), 1024))
	for i := uint32(0); i < n; i++ {
		var m Member
		if !readMember(&s, &m) {
			return nil, false
		}
		members = append(members, m)
	}
	return members, s.Empty()
}

// signedBody is the commit encoding covered by the signature.
func (c *Commit) signedBody() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(groupWireVersion)
	addString16(b, c.GroupID)
	b.AddUint64(c.Epoch)
	addString16(b, c.Committer)
	if c.Added != nil {
		b.AddUint8(commitAdd)
		addMember(b, c.Added)
	} else {
		b.AddUint8(commitRemove)
		addString16(b, c.Removed)
	}
	b.AddUint32(uint32(len(c.Secrets)))
	for _, s := range c.Secrets {
		if s.Ciphertext == nil {
			return nil, newError(ErrMalformed, ErrCodeMalformed, "commit secret without ciphertext")
		}
		addString16(b, s.MemberID)
		ct, err := s.Ciphertext.MarshalBinary()
		if err != nil {
			return nil, err
		}
		addBytes32(b, ct)
	}
	out, err := b.Bytes()
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode commit")
	}
	return out, nil
}

// MarshalBinary encodes the commit and its signature.
func (c *Commit) MarshalBinary() ([]byte, error) {
	body, err := c.signedBody()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(body)
	addBytes16(b, c.Signature)
	return b.BytesOrPanic(), nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (c *Commit) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var (
		version, kind uint8
		out           Commit
		n             uint32
	)
	if !s.ReadUint8(&version) || version != groupWireVersion ||
		!readString16(&s, &out.GroupID) ||
		!s.ReadUint64(&out.Epoch) ||
		!readString16(&s, &out.Committer) ||
		!s.ReadUint8(&kind) {
		return newError(ErrMalformed, ErrCodeMalformed, "malformed commit header")
	}
	switch kind {
	case commitAdd:
		out.Added = &Member{}
		if !readMember(&s, out.Added) {
			return newError(ErrMalformed, ErrCodeMalformed, "malformed commit member")
		}
	case commitRemove:
		if !readString16(&s, &out.Removed) {
			return newError(ErrMalformed, ErrCodeMalformed, "malformed commit removal")
		}
	default:
		return newError(ErrMalformed, ErrCodeMalformed, "unknown commit kind")
	}
	if !s.ReadUint32(&n) {
		return newError(ErrMalformed, ErrCodeMalformed, "malformed commit secrets")
	}
	for i := uint32(0); i < n; i++ {
		var (
			sec SealedSecret
			raw []byte
		)
		if !readString16(&s, &sec.MemberID) || !readUint32Prefixed(&s, &raw) {
			return newError(ErrMalformed, ErrCodeMalformed, "malformed commit secret")
		}
		sec.Ciphertext = &HybridCiphertext{}
		if err := sec.Ciphertext.UnmarshalBinary(raw); err != nil {
			return err
		}
		out.Secrets = append(out.Secrets, sec)
	}
	if !readBytes16(&s, &out.Signature) || !s.Empty() {
		return newError(ErrMalformed, ErrCodeMalformed, "malformed commit signature")
	}
	*c = out
	return nil
}

// signedBody is the welcome encoding covered by the signature.
func (w *Welcome) signedBody() ([]byte, error) {
	if w.Ciphertext == nil {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "welcome without ciphertext")
	}
	ct, err := w.Ciphertext.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(groupWireVersion)
	addString16(b, w.GroupID)
	b.AddUint64(w.Epoch)
	addString16(b, w.Recipient)
	addString16(b, w.Committer)
	addBytes32(b, ct)
	out, err := b.Bytes()
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode welcome")
	}
	return out, nil
}

// MarshalBinary encodes the welcome and its signature.
func (w *Welcome) MarshalBinary() ([]byte, error) {
	body, err := w.signedBody()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(body)
	addBytes16(b, w.Signature)
	return b.BytesOrPanic(), nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (w *Welcome) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var (
		version uint8
		out     Welcome
		raw     []byte
	)
	if !s.ReadUint8(&version) || version != groupWireVersion ||
		!readString16(&s, &out.GroupID) ||
		!s.ReadUint64(&out.Epoch) ||
		!readString16(&s, &out.Recipient) ||
		!readString16(&s, &out.Committer) ||
		!readUint32Prefixed(&s, &raw) ||
		!readBytes16(&s, &out.Signature) ||
		!s.Empty() {
		return newError(ErrMalformed, ErrCodeMalformed, "malformed welcome")
	}
	out.Ciphertext = &HybridCiphertext{}
	if err := out.Ciphertext.UnmarshalBinary(raw); err != nil {
		return err
	}
	*w = out
	return nil
}

// header is the authenticated part of a group message.
func (m *GroupMessage) header() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(groupWireVersion)
	addString16(b, m.ID)
	addString16(b, m.GroupID)
	b.AddUint64(m.Epoch)
	addString16(b, m.Sender)
	b.AddUint64(m.Seq)
	return b.BytesOrPanic()
}

// signedBody is the header and ciphertext, the part covered by the
// sender's signature.
func (m *GroupMessage) signedBody() ([]byte, error) {
	b := cryptobyte.NewBuilder(m.header())
	addBytes32(b, m.Ciphertext)
	out, err := b.Bytes()
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode group message")
	}
	return out, nil
}

// MarshalBinary encodes the message and its signature.
func (m *GroupMessage) MarshalBinary() ([]byte, error) {
	body, err := m.signedBody()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(body)
	addBytes16(b, m.Signature)
	out, err := b.Bytes()
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode group message")
	}
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (m *GroupMessage) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var (
		version uint8
		out     GroupMessage
	)
	if !s.ReadUint8(&version) || version != groupWireVersion ||
		!readString16(&s, &out.ID) ||
		!readString16(&s, &out.GroupID) ||
		!s.ReadUint64(&out.Epoch) ||
		!readString16(&s, &out.Sender) ||
		!s.ReadUint64(&out.Seq) ||
		!readUint32Prefixed(&s, &out.Ciphertext) ||
		!readBytes16(&s, &out.Signature) ||
		!s.Empty() {
		return newError(ErrMalformed, ErrCodeMalformed, "malformed group message")
	}
	out.Ciphertext = bytes.Clone(out.Ciphertext)
	*m = out
	return nil
}
