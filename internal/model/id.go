package model

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// IDType is the prefix naming which kind of record an ID belongs to.
type IDType string

const (
	IDTypeRun      IDType = "run"
	IDTypeIncident IDType = "inc"
	IDTypeEvent    IDType = "evt"
	IDTypeAudit    IDType = "aud"
)

// ErrMalformedID marks an ID that no record of the requested kind can have.
var ErrMalformedID = errors.New("malformed id")

// <kind>_<unix seconds>_<8 hex>; IDs of one kind sort by creation second.
var idPattern = regexp.MustCompile(`^([a-z]{3})_[0-9]{10}_[0-9a-f]{8}$`)

// NewID returns a fresh ID for a record of kind.
func NewID(kind IDType) string {
	var b [4]byte
	// crypto/rand.Read never fails
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s_%010d_%s", kind, time.Now().Unix(), hex.EncodeToString(b[:]))
}

// CheckID rejects id unless it has the generated form with kind's prefix,
// so a run ID is never looked up as an incident and vice versa.
func CheckID(kind IDType, id string) error {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return fmt.Errorf("%s id %q: %w", kind, id, ErrMalformedID)
	}
	if IDType(m[1]) != kind {
		return fmt.Errorf("%q is a %s id, not %s: %w", id, m[1], kind, ErrMalformedID)
	}
	return nil
}
