package listing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingIdentity is returned when a raw record has neither a shelter ID nor a name.
var ErrMissingIdentity = errors.New("missing identity: record has no id or name")

// NormalizationError reports a single raw record that could not be normalized.
// It only ever skips that record; the cycle continues.
type NormalizationError struct {
	Index int
	Err   error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize record %d: %v", e.Index, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Normalizer converts raw scraped field sets into Records.
type Normalizer struct {
	// Now is the clock used for FirstSeen/LastSeen. Defaults to time.Now.
	Now func() time.Time
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Normalize builds a Record from one raw field set.
func (n Normalizer) Normalize(raw map[string]string) (Record, error) {
	fields := CleanFields(raw)

	key, err := IdentityKey(fields)
	if err != nil {
		return Record{}, err
	}
	if id := fields[FieldID]; id != "" {
		fields[FieldID] = strings.ToUpper(id)
	}

	now := n.now()
	return Record{
		Key:       key,
		Fields:    fields,
		FirstSeen: now,
		LastSeen:  now,
		Listed:    true,
		ListedAt:  now,
	}, nil
}

// NormalizeAll normalizes a whole scrape. Records that fail are dropped and
// reported as *NormalizationError values; they are never treated as removed.
func (n Normalizer) NormalizeAll(raws []map[string]string) ([]Record, []error) {
	out := make([]Record, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			errs = append(errs, &NormalizationError{Index: i, Err: err})
			continue
		}
		out = append(out, rec)
	}
	return out, errs
}

// CleanFields lowercases keys, trims and collapses whitespace in values, and drops empty values.
// Whitespace-only drift in the upstream markup therefore never counts as a change.
func CleanFields(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		v = collapseSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// IdentityKey derives the stable identity for cleaned fields.
//
// A shelter-issued ID wins ("id:<ID>", upper-cased). Without one the key is a
// hash over name, intake date, and species. That fallback is weak: a rename or
// an edited intake date yields a new identity.
func IdentityKey(fields map[string]string) (string, error) {
	if id := strings.ToUpper(collapseSpace(fields[FieldID])); id != "" {
		return "id:" + id, nil
	}
	name := strings.ToLower(collapseSpace(fields[FieldName]))
	if name == "" {
		return "", ErrMissingIdentity
	}
	date := strings.ToLower(collapseSpace(fields[FieldIntakeDate]))
	species := strings.ToLower(collapseSpace(fields[FieldSpecies]))

	sum := sha256.Sum256([]byte(name + "\x00" + date + "\x00" + species))
	return "name:" + hex.EncodeToString(sum[:8]), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
