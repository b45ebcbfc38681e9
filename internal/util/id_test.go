package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("ent")
	assert.True(t, strings.HasPrefix(id, "ent_"))
	assert.Len(t, id, len("ent_")+32)
	assert.NotEqual(t, id, NewID("ent"))
	assert.Len(t, NewID(""), 32)
}

func TestProvisionalIDsNeverLookLikeStoreIDs(t *testing.T) {
	provisional := NewProvisionalID()
	assert.True(t, IsProvisionalID(provisional))
	assert.False(t, IsProvisionalID(NewID("ent")))
	assert.False(t, IsProvisionalID("DC_kwDOABCD"))
}
