package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	toolIDPrefix      = "ft_"
	executionIDPrefix = "exec_"
)

var (
	toolIDPattern      = regexp.MustCompile(`^ft_[a-zA-Z0-9]{24}$`)
	executionIDPattern = regexp.MustCompile(`^exec_[a-zA-Z0-9]{24}$`)
)

// NewToolID generates a new function tool ID with the "ft_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewToolID() string {
	return toolIDPrefix + randomAlphanumeric(idLength)
}

// NewExecutionID generates a new execution ID with the "exec_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewExecutionID() string {
	return executionIDPrefix + randomAlphanumeric(idLength)
}

// ValidateToolID checks whether the given string is a valid tool ID
// (matches "ft_" + 24 alphanumeric characters).
func ValidateToolID(id string) bool {
	return toolIDPattern.MatchString(id)
}

// ValidateExecutionID checks whether the given string is a valid execution ID
// (matches "exec_" + 24 alphanumeric characters).
func ValidateExecutionID(id string) bool {
	return executionIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
