package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCircularDependencyError_MessageNamesServer(t *testing.T) {
	err := &CircularDependencyError{ServerName: "loopback"}
	assert.Contains(t, err.Error(), "loopback")
}

func TestClientConnectionError_UnwrapsCircularDependencyCause(t *testing.T) {
	var wrapped error = &ClientConnectionError{
		ServerName: "loopback",
		Cause:      &CircularDependencyError{ServerName: "loopback"},
	}

	var circ *CircularDependencyError
	assert.True(t, errors.As(wrapped, &circ))
	assert.Equal(t, "loopback", circ.ServerName)
}
