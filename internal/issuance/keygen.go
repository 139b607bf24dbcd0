package issuance

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strconv"

	"keymint/internal/registry"
)

// GenerateKey derives a deterministic license key from the customer and
// their entitlement. Re-processing the same checkout event yields the same
// key, which makes webhook redelivery idempotent by construction. The
// version salt lets a future generation change keys wholesale without
// colliding with existing ones.
func GenerateKey(customerID string, plan Plan, versionSalt string) string {
	h := sha256.New()
	h.Write([]byte(customerID))
	h.Write([]byte{'|'})
	h.Write([]byte(plan.Tier))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatBool(plan.IsFounder)))
	h.Write([]byte{'|'})
	h.Write([]byte(versionSalt))

	// Standard base32 alphabet is A-Z2-7, exactly the key character set.
	body := base32.StdEncoding.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		registry.KeyPrefix, body[0:4], body[4:8], body[8:12], body[12:16])
}
