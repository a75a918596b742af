// Package validation provides request validation helpers for the obridge API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxMemoBytes bounds the auxiliary data stored on an escrow or swap.
const MaxMemoBytes = 1024

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hash32Regex     = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{64}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?([a-fA-F0-9]{2})*$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHash32 checks for 32 bytes of hex, 0x prefix optional.
func IsValidHash32(s string) bool {
	return hash32Regex.MatchString(s)
}

// IsValidHex checks for an even-length hex string, 0x prefix optional.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// ParseAddress returns the address for a validated hex string.
func ParseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !IsValidEthAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// ParseAmount parses a base-unit integer amount. Zero is allowed.
func ParseAmount(s string) (uint64, bool) {
	if s == "" || strings.HasPrefix(s, "+") {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidHash checks for a 32-byte hex value.
func ValidHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHash32(value) {
			return &ValidationError{Field: field, Message: "must be 32 bytes of hex"}
		}
		return nil
	}
}

// ValidHex checks for an even-length hex value.
func ValidHex(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidHex(value) {
			return &ValidationError{Field: field, Message: "must be hex encoded"}
		}
		return nil
	}
}

// ValidAmount checks that a field is a base-unit integer fitting in 64 bits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseAmount(value); !ok {
			return &ValidationError{Field: field, Message: "must be an unsigned integer in base units"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
