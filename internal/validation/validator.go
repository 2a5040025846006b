package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/model"
)

const (
	// Size limits
	MaxDNSize      = 4096             // 4 KB
	MaxPayloadSize = 16 * 1024 * 1024 // 16 MB
	MaxBaseDNSize  = 1024

	// Peers may not announce change numbers further than this ahead of
	// our clock
	MaxClockSkewMillis = 24 * 60 * 60 * 1000
)

// Validator validates updates before they reach the changelog
type Validator struct {
	maxDNSize      int
	maxPayloadSize int
	maxBaseDNSize  int
	now            func() uint64
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxDNSize, MaxPayloadSize)
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxDNSize, maxPayloadSize int) *Validator {
	return &Validator{
		maxDNSize:      maxDNSize,
		maxPayloadSize: maxPayloadSize,
		maxBaseDNSize:  MaxBaseDNSize,
		now:            func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
}

// ValidateUpdate validates an update submitted to the domain of baseDN
func (v *Validator) ValidateUpdate(baseDN string, u *model.UpdateMsg) error {
	if u == nil {
		return errors.InvalidArgument("update is required", nil)
	}

	if err := v.ValidateChangeNumber(u.ChangeNumber); err != nil {
		return err
	}

	if err := v.ValidateDN(u.DN); err != nil {
		return err
	}

	// The target entry must live in the replicated naming context
	if !InSuffix(u.DN, baseDN) {
		return errors.InvalidDN(u.DN, fmt.Sprintf("entry is not under %q", baseDN))
	}

	if !u.Operation.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("unknown operation %d", u.Operation), nil)
	}

	if len(u.Payload) > v.maxPayloadSize {
		return errors.PayloadTooLarge(len(u.Payload), v.maxPayloadSize)
	}

	return v.ValidateAssurance(u)
}

// ValidateChangeNumber validates a change number
func (v *Validator) ValidateChangeNumber(cn model.ChangeNumber) error {
	if cn.IsZero() {
		return errors.InvalidChangeNumber("change number cannot be zero")
	}
	if cn.Time == 0 {
		return errors.InvalidChangeNumber("change number has no timestamp")
	}
	if v.now != nil && cn.Time > v.now()+MaxClockSkewMillis {
		return errors.InvalidChangeNumber(fmt.Sprintf("change number %s is too far in the future", cn))
	}
	return nil
}

// ValidateAssurance checks that the assured fields are consistent
func (v *Validator) ValidateAssurance(u *model.UpdateMsg) error {
	if !u.Assured {
		return nil
	}
	switch u.AssuredMode {
	case model.AssuredModeSafeRead:
		return nil
	case model.AssuredModeSafeData:
		if u.SafetyLevel == 0 {
			return errors.InvalidArgument("safe data mode requires a safety level of at least 1", nil)
		}
		return nil
	default:
		return errors.InvalidArgument(fmt.Sprintf("assured update has invalid mode %s", u.AssuredMode), nil)
	}
}

// ValidateDN validates an entry DN
func (v *Validator) ValidateDN(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return errors.InvalidDN(dn, "DN cannot be empty")
	}

	if len(dn) > v.maxDNSize {
		return errors.InvalidDN(dn, fmt.Sprintf("DN exceeds maximum size of %d bytes", v.maxDNSize))
	}

	// Check for control characters and null bytes
	for _, r := range dn {
		if r == 0 || unicode.IsControl(r) {
			return errors.InvalidDN(dn, "DN cannot contain control characters")
		}
	}

	for _, rdn := range splitDN(dn) {
		if !strings.Contains(rdn, "=") {
			return errors.InvalidDN(dn, fmt.Sprintf("RDN %q is not an attribute=value pair", rdn))
		}
	}

	return nil
}

// ValidateBaseDN validates the naming context of a domain
func (v *Validator) ValidateBaseDN(baseDN string) error {
	if len(baseDN) > v.maxBaseDNSize {
		return errors.InvalidDN(baseDN, fmt.Sprintf("base DN exceeds maximum size of %d bytes", v.maxBaseDNSize))
	}
	return v.ValidateDN(baseDN)
}

// NormalizeDN lowercases a DN and removes the spaces around separators
func NormalizeDN(dn string) string {
	rdns := splitDN(dn)
	for i, rdn := range rdns {
		attr, value, _ := strings.Cut(rdn, "=")
		rdns[i] = strings.ToLower(strings.TrimSpace(attr)) + "=" + strings.ToLower(strings.TrimSpace(value))
	}
	return strings.Join(rdns, ",")
}

// InSuffix reports whether dn equals baseDN or lives below it
func InSuffix(dn, baseDN string) bool {
	n, base := NormalizeDN(dn), NormalizeDN(baseDN)
	return n == base || strings.HasSuffix(n, ","+base)
}

// splitDN splits on unescaped commas
func splitDN(dn string) []string {
	var parts []string
	start := 0
	escaped := false
	for i := 0; i < len(dn); i++ {
		switch {
		case escaped:
			escaped = false
		case dn[i] == '\\':
			escaped = true
		case dn[i] == ',':
			parts = append(parts, dn[start:i])
			start = i + 1
		}
	}
	return append(parts, dn[start:])
}

// EstimateWriteSize estimates the disk space needed to store an update.
// This is used by the disk manager to check available space.
func EstimateWriteSize(u *model.UpdateMsg) uint64 {
	// record framing, checksum and bbolt page overhead
	size := uint64(u.Size() + 64)
	// safety margin (20%)
	return size + size/5
}
