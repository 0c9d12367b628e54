package platform

import (
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edvin/onionctl/internal/model"
)

const (
	// NamePrefix marks identifiers this tool generated. Records whose name
	// does not match the generator shape were discovered in an externally
	// edited torrc and are treated as unmanaged.
	NamePrefix = "onion_"

	nameSuffixLength = 9
	nameAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"

	// MaxNameAttempts bounds unique-name generation. Hitting it means the
	// entropy source or the registry is in a bad state; surface it rather
	// than spin.
	MaxNameAttempts = 50
)

// ErrNameExhausted is returned when no unique name was found within the
// allowed number of attempts.
var ErrNameExhausted = errors.New("name generation exhausted attempts")

// NewRunID returns a unique identifier for one tool invocation, used to
// correlate log lines.
func NewRunID() string {
	return uuid.New().String()
}

// NewServiceName returns a fresh candidate service name: the fixed prefix
// plus a random lowercase-alphanumeric suffix. Entropy comes from
// crypto/rand; if that fails the suffix falls back to a clock-seeded source
// so generation terminates instead of hanging.
func NewServiceName() string {
	b := make([]byte, nameSuffixLength)
	if _, err := rand.Read(b); err != nil {
		src := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
		for i := range b {
			b[i] = byte(src.Intn(256))
		}
	}
	for i := range b {
		b[i] = nameAlphabet[b[i]%byte(len(nameAlphabet))]
	}
	return NamePrefix + string(b)
}

// IsManagedName reports whether name matches the generator shape: fixed
// prefix followed by exactly nameSuffixLength alphabet characters.
func IsManagedName(name string) bool {
	suffix, ok := strings.CutPrefix(name, NamePrefix)
	if !ok || len(suffix) != nameSuffixLength {
		return false
	}
	for _, c := range suffix {
		if !strings.ContainsRune(nameAlphabet, c) {
			return false
		}
	}
	return true
}

// GenerateUniqueName returns a service name that collides with nothing we
// can observe: not a registry record, not an existing path (per dirExists),
// and not a substring of the torrc text. Returns ErrNameExhausted after
// maxAttempts candidates.
func GenerateUniqueName(records []model.ServiceRecord, torrcText string, dirExists func(name string) bool, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = MaxNameAttempts
	}

	taken := make(map[string]bool, len(records))
	for _, rec := range records {
		taken[rec.Name] = true
	}

	for i := 0; i < maxAttempts; i++ {
		name := NewServiceName()
		if taken[name] {
			continue
		}
		if dirExists != nil && dirExists(name) {
			continue
		}
		if strings.Contains(torrcText, name) {
			continue
		}
		return name, nil
	}

	return "", fmt.Errorf("no unique name after %d attempts: %w", maxAttempts, ErrNameExhausted)
}
