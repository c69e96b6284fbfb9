package disk

import (
	"crypto/aes"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/xts"

	"go.docstore/internal/storage"
)

// log pages use a disjoint tweak space from data pages
const logSectorBit = uint64(1) << 63

// pageCipher encrypts whole pages with AES-256-XTS. The tweak is the page
// position, so identical plaintext at different positions encrypts differently.
type pageCipher struct {
	c *xts.Cipher
}

func newPageCipher(password string, salt []byte) (*pageCipher, error) {
	key := argon2.IDKey([]byte(password), salt, 1, 16*1024, 4, 64)
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, errors.Wrap(err, "init page cipher")
	}
	return &pageCipher{c: c}, nil
}

func sector(position int64, origin storage.Origin) uint64 {
	s := uint64(position / storage.PageSize)
	if origin == storage.OriginLog {
		s |= logSectorBit
	}
	return s
}

func (p *pageCipher) encrypt(dst, src []byte, position int64, origin storage.Origin) {
	p.c.Encrypt(dst, src, sector(position, origin))
}

func (p *pageCipher) decrypt(dst, src []byte, position int64, origin storage.Origin) {
	p.c.Decrypt(dst, src, sector(position, origin))
}

func newSalt() ([]byte, error) {
	salt := make([]byte, storage.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func hashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

func checkPassword(hash []byte, plain string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}
