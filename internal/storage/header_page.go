package storage

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HeaderInfo is the 27 byte file signature stored in page 0.
const HeaderInfo = "** This is a docstore db **"

const FileVersion byte = 1

const (
	offHeaderInfo        = PageHeaderSize
	offFileVersion       = offHeaderInfo + len(HeaderInfo)
	offFreeEmptyPageList = 92
	offLastPageID        = 96
	offCreationTime      = 100
	offSalt              = 108
	offPasswordHash      = 124
	offCommits           = 192
	offCheckpoints       = 200
	offAnalyzes          = 208
	offVacuums           = 216
	offUserVersion       = 224
	offCollation         = 228
	offCollections       = 256

	SaltSize            = 16
	maxPasswordHashSize = 60
	// CollectionsSize is the space reserved for the collection directory.
	CollectionsSize = PageSize - offCollections
)

var namePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_\-]*$`)

// IsValidName checks collection and index names.
func IsValidName(name string, maxLen int) bool {
	return len(name) > 0 && len(name) <= maxLen && namePattern.MatchString(name)
}

type collectionEntry struct {
	name   string
	pageID uint32
}

// HeaderPage is page 0: file signature, allocation state, counters and the
// collection directory.
type HeaderPage struct {
	*BasePage
	collections []collectionEntry
}

func NewHeaderPage(buffer *PageBuffer) *HeaderPage {
	base := NewBasePage(buffer, 0, PageTypeHeader)
	s := buffer.Slice()
	s.WriteBytes(offHeaderInfo, []byte(HeaderInfo))
	s.WriteUint8(offFileVersion, FileVersion)
	s.WriteUint32(offFreeEmptyPageList, EmptyPageID)
	s.WriteUint32(offLastPageID, 0)
	s.WriteInt64(offCreationTime, time.Now().UnixMilli())
	s.WriteUint8(offCollation, 1)
	h := &HeaderPage{BasePage: base}
	h.UpdateBuffer()
	return h
}

// LoadHeaderPage validates the signature and version and parses the directory.
func LoadHeaderPage(buffer *PageBuffer) (*HeaderPage, error) {
	s := buffer.Slice()
	if !bytes.Equal(s.Array[offHeaderInfo:offHeaderInfo+len(HeaderInfo)], []byte(HeaderInfo)) {
		return nil, ErrInvalidDatabase
	}
	if v := s.ReadUint8(offFileVersion); v != FileVersion {
		return nil, errors.Wrapf(ErrInvalidDatabaseVersion, "file version %d, expected %d", v, FileVersion)
	}
	if PageType(s.ReadUint8(offPageType)) != PageTypeHeader {
		return nil, errors.Wrap(ErrInvalidPageType, "page 0 is not a header page")
	}

	h := &HeaderPage{BasePage: LoadBasePage(buffer)}
	count := int(s.ReadUint16(offCollections))
	pos := offCollections + 2
	for i := 0; i < count; i++ {
		if pos >= PageSize {
			return nil, errors.Wrap(ErrCorruptPage, "collection directory overflows header page")
		}
		name := s.ReadShortString(pos)
		pos += 1 + len(name)
		if pos+4 > PageSize {
			return nil, errors.Wrap(ErrCorruptPage, "collection directory overflows header page")
		}
		h.collections = append(h.collections, collectionEntry{name: name, pageID: s.ReadUint32(pos)})
		pos += 4
	}
	return h, nil
}

// UpdateBuffer writes the collection directory into the page.
func (h *HeaderPage) UpdateBuffer() *PageBuffer {
	s := h.buffer.Slice()
	clear(s.Array[offCollections:])
	s.WriteUint16(offCollections, uint16(len(h.collections)))
	pos := offCollections + 2
	for _, c := range h.collections {
		s.WriteShortString(pos, c.name)
		pos += 1 + len(c.name)
		s.WriteUint32(pos, c.pageID)
		pos += 4
	}
	return h.buffer
}

// Clone returns an independent writable copy with the directory flushed.
func (h *HeaderPage) Clone() *HeaderPage {
	h.UpdateBuffer()
	c := &HeaderPage{BasePage: LoadBasePage(h.buffer.Clone())}
	c.collections = append([]collectionEntry(nil), h.collections...)
	return c
}

func (h *HeaderPage) FreeEmptyPageList() uint32 { return h.slice().ReadUint32(offFreeEmptyPageList) }

func (h *HeaderPage) SetFreeEmptyPageList(id uint32) {
	h.SetDirty()
	h.slice().WriteUint32(offFreeEmptyPageList, id)
}

func (h *HeaderPage) LastPageID() uint32 { return h.slice().ReadUint32(offLastPageID) }

func (h *HeaderPage) SetLastPageID(id uint32) {
	h.SetDirty()
	h.slice().WriteUint32(offLastPageID, id)
}

func (h *HeaderPage) CreationTime() time.Time {
	return time.UnixMilli(h.slice().ReadInt64(offCreationTime)).UTC()
}

func (h *HeaderPage) Salt() []byte { return h.slice().ReadBytes(offSalt, SaltSize) }

func (h *HeaderPage) PasswordHash() []byte {
	n := int(h.slice().ReadUint8(offPasswordHash))
	return h.slice().ReadBytes(offPasswordHash+1, n)
}

func (h *HeaderPage) HasPassword() bool { return h.slice().ReadUint8(offPasswordHash) > 0 }

// SetPassword stores the salt and password hash. A nil hash clears them.
func (h *HeaderPage) SetPassword(salt, hash []byte) error {
	if len(hash) > maxPasswordHashSize || (hash != nil && len(salt) != SaltSize) {
		return errors.New("invalid salt or password hash size")
	}
	h.SetDirty()
	s := h.slice()
	clear(s.Array[offSalt : offPasswordHash+1+maxPasswordHashSize])
	s.WriteBytes(offSalt, salt)
	s.WriteUint8(offPasswordHash, byte(len(hash)))
	s.WriteBytes(offPasswordHash+1, hash)
	return nil
}

func (h *HeaderPage) Commits() uint64     { return h.slice().ReadUint64(offCommits) }
func (h *HeaderPage) Checkpoints() uint64 { return h.slice().ReadUint64(offCheckpoints) }
func (h *HeaderPage) Analyzes() uint64    { return h.slice().ReadUint64(offAnalyzes) }
func (h *HeaderPage) Vacuums() uint64     { return h.slice().ReadUint64(offVacuums) }

func (h *HeaderPage) IncrementCommits()     { h.increment(offCommits) }
func (h *HeaderPage) IncrementCheckpoints() { h.increment(offCheckpoints) }
func (h *HeaderPage) IncrementAnalyzes()    { h.increment(offAnalyzes) }
func (h *HeaderPage) IncrementVacuums()     { h.increment(offVacuums) }

func (h *HeaderPage) increment(off int) {
	h.SetDirty()
	h.slice().WriteUint64(off, h.slice().ReadUint64(off)+1)
}

func (h *HeaderPage) UserVersion() int32 { return h.slice().ReadInt32(offUserVersion) }

func (h *HeaderPage) SetUserVersion(v int32) {
	h.SetDirty()
	h.slice().WriteInt32(offUserVersion, v)
}

// IgnoreCase is the collation persisted at creation time.
func (h *HeaderPage) IgnoreCase() bool { return h.slice().ReadBool(offCollation) }

func (h *HeaderPage) SetIgnoreCase(v bool) {
	h.SetDirty()
	h.slice().WriteBool(offCollation, v)
}

// GetCollectionPageID resolves a collection name case-insensitively.
func (h *HeaderPage) GetCollectionPageID(name string) (uint32, bool) {
	for _, c := range h.collections {
		if strings.EqualFold(c.name, name) {
			return c.pageID, true
		}
	}
	return EmptyPageID, false
}

// GetCollections returns collection names sorted case-insensitively.
func (h *HeaderPage) GetCollections() []string {
	names := make([]string, len(h.collections))
	for i, c := range h.collections {
		names[i] = c.name
	}
	sort.Slice(names, func(a, b int) bool { return strings.ToLower(names[a]) < strings.ToLower(names[b]) })
	return names
}

func (h *HeaderPage) collectionsSize() int {
	n := 2
	for _, c := range h.collections {
		n += 1 + len(c.name) + 4
	}
	return n
}

// AvailableCollectionsSpace is the directory space left for new names.
func (h *HeaderPage) AvailableCollectionsSpace() int {
	return CollectionsSize - h.collectionsSize()
}

func (h *HeaderPage) InsertCollection(name string, pageID uint32) error {
	if _, ok := h.GetCollectionPageID(name); ok {
		return errors.Wrapf(ErrCollectionExist, "%q", name)
	}
	if 1+len(name)+4 > h.AvailableCollectionsSpace() {
		return errors.Wrapf(ErrCollectionLimitExceeded, "cannot add %q", name)
	}
	h.SetDirty()
	h.collections = append(h.collections, collectionEntry{name: name, pageID: pageID})
	return nil
}

func (h *HeaderPage) DeleteCollection(name string) bool {
	for i, c := range h.collections {
		if strings.EqualFold(c.name, name) {
			h.SetDirty()
			h.collections = append(h.collections[:i], h.collections[i+1:]...)
			return true
		}
	}
	return false
}

func (h *HeaderPage) RenameCollection(oldName, newName string) error {
	if _, ok := h.GetCollectionPageID(newName); ok && !strings.EqualFold(oldName, newName) {
		return errors.Wrapf(ErrCollectionExist, "%q", newName)
	}
	for i, c := range h.collections {
		if strings.EqualFold(c.name, oldName) {
			if len(newName)-len(c.name) > h.AvailableCollectionsSpace() {
				return errors.Wrapf(ErrCollectionLimitExceeded, "cannot rename to %q", newName)
			}
			h.SetDirty()
			h.collections[i].name = newName
			return nil
		}
	}
	return errors.Errorf("collection %q not found", oldName)
}
