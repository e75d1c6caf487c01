package check

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validatedLeaf struct {
	Port int
}

func (v validatedLeaf) Validate() []error {
	return []error{GreaterThan(v.Port, 0, "port must be positive")}
}

type validatedRoot struct {
	Name   string
	Leaves []validatedLeaf
}

func (v validatedRoot) Validate() []error {
	return []error{NotEmpty(v.Name, "name must be set")}
}

func TestValidateWalksNestedStructs(t *testing.T) {
	ok := validatedRoot{Name: "n", Leaves: []validatedLeaf{{Port: 1}, {Port: 2}}}
	require.NoError(t, Validate(ok))

	bad := validatedRoot{Leaves: []validatedLeaf{{Port: 0}}}
	err := Validate(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name must be set")
	assert.Contains(t, err.Error(), "port must be positive")
}

func TestHelpers(t *testing.T) {
	assert.NoError(t, True(true))
	assert.Error(t, True(false, "nope"))
	assert.NoError(t, NotEmpty("x"))
	assert.Error(t, NotEmpty(""))
	assert.NoError(t, In("a", []string{"a", "b"}))
	assert.Error(t, In("c", []string{"a", "b"}))
	assert.NoError(t, GreaterThan(2, 1))
	assert.Error(t, GreaterThan(1, 1))
	assert.NoError(t, GreaterThanOrEqualTo(1, 1))
	assert.Error(t, GreaterThanOrEqualTo(0, 1))
}

func TestMessageFormatting(t *testing.T) {
	err := GreaterThan(0, 1, "want at least %d, got %d", 1, 0)
	require.Error(t, err)
	assert.Equal(t, "want at least 1, got 0", err.Error())
}
