package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDataIntegrity is matched by every error that rejects a catalog during Build
var ErrDataIntegrity = errors.New("catalog data integrity violation")

// DataIntegrityError describes upstream catalog data that cannot be indexed
type DataIntegrityError struct {
	Reason     string
	Key        string
	VariantIDs []string
}

func (e *DataIntegrityError) Error() string {
	msg := fmt.Sprintf("%s: %s (variants: %s)", ErrDataIntegrity.Error(), e.Reason, strings.Join(e.VariantIDs, ", "))
	if e.Key != "" {
		msg += " key=" + e.Key
	}
	return msg
}

func (e *DataIntegrityError) Unwrap() error {
	return ErrDataIntegrity
}
