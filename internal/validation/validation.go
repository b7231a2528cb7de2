// Package validation checks API input before it reaches the governor or the
// result store.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudlens/internal/fraud"
)

// Body limits.
const (
	MaxRequestSize = 1 << 20
	MaxImportSize  = 16 << 20
)

// MaxAmount is the largest accepted monetary value.
const MaxAmount = 1e12

var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IsValidRecordID reports whether id can name a score record.
func IsValidRecordID(id string) bool {
	return recordIDPattern.MatchString(id)
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors lists every rejected field of one input.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Checker accumulates field errors. The zero value is ready to use.
type Checker struct {
	errs Errors
}

func (c *Checker) fail(field, msg string) {
	c.errs = append(c.errs, FieldError{Field: field, Message: msg})
}

// NonNegative rejects a negative integer.
func (c *Checker) NonNegative(field string, v int) {
	if v < 0 {
		c.fail(field, "must not be negative")
	}
}

// Money rejects NaN, infinities, negatives and values above MaxAmount.
func (c *Checker) Money(field string, v float64) {
	switch {
	case math.IsNaN(v), math.IsInf(v, 0):
		c.fail(field, "must be a finite number")
	case v < 0:
		c.fail(field, "must not be negative")
	case v > MaxAmount:
		c.fail(field, "exceeds maximum amount")
	}
}

// Type rejects a missing or unknown transaction type.
func (c *Checker) Type(field string, t fraud.TransactionType) {
	switch {
	case t == "":
		c.fail(field, "is required")
	case !t.Valid():
		names := make([]string, len(fraud.TransactionTypes))
		for i, known := range fraud.TransactionTypes {
			names[i] = string(known)
		}
		c.fail(field, "must be one of "+strings.Join(names, ", "))
	}
}

// Errors returns what was collected, nil when every check passed.
func (c *Checker) Errors() Errors {
	return c.errs
}

// TransactionInput validates a scoring request.
func TransactionInput(in fraud.TransactionInput) Errors {
	var c Checker
	c.NonNegative("step", in.Step)
	c.Type("type", in.Type)
	c.Money("amount", in.Amount)
	c.Money("oldBalanceOrig", in.OldBalanceOrig)
	c.Money("newBalanceOrig", in.NewBalanceOrig)
	c.Money("oldBalanceDest", in.OldBalanceDest)
	c.Money("newBalanceDest", in.NewBalanceDest)
	return c.Errors()
}

// RequestSizeMiddleware caps the request body at limit bytes.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// RecordIDParamMiddleware rejects a malformed :id before the handler runs.
func RecordIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidRecordID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 characters of letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
