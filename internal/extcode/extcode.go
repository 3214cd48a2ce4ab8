// Package extcode issues and resolves the signed codes printed on student
// QR cards. A code names one student of one tenant and is useless elsewhere.
package extcode

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"

	"github.com/example/mealsched/internal/domain/meal"
)

// MinSecretLen is the shortest secret New accepts.
const MinSecretLen = 32

const name = "mealsched_student"

var ErrShortSecret = fmt.Errorf("external code secret must be at least %d bytes", MinSecretLen)

type Codec struct {
	sc *securecookie.SecureCookie
}

type payload struct {
	Tenant  string `json:"t"`
	Student string `json:"s"`
}

// New derives the signing and encryption keys from secret. A zero maxAge
// issues codes that never expire.
func New(secret []byte, maxAge time.Duration) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrShortSecret
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("mealsched external code v1"))
	hashKey := make([]byte, 32)
	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		return nil, err
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(maxAge.Seconds()))
	return &Codec{sc: sc}, nil
}

func (c *Codec) Issue(tenantID, studentID string) (string, error) {
	if tenantID == "" || studentID == "" {
		return "", errors.New("tenant and student are required")
	}
	return c.sc.Encode(name, payload{Tenant: tenantID, Student: studentID})
}

// Resolve returns the student a code was issued for. Codes that fail
// verification, have expired, or belong to another tenant all resolve to
// *meal.NotFoundError.
func (c *Codec) Resolve(tenantID, code string) (string, error) {
	var p payload
	if err := c.sc.Decode(name, code, &p); err != nil {
		return "", meal.NotFound("student")
	}
	if p.Tenant != tenantID || p.Student == "" {
		return "", meal.NotFound("student")
	}
	return p.Student, nil
}
