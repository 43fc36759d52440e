package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIsDeterministic(t *testing.T) {
	assert.Equal(t, Hash("hello"), Hash("hello"))
	assert.NotEqual(t, Hash("hello"), Hash("hello "))
}

func TestHashKnownVector(t *testing.T) {
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Hash("hello"))
}

func TestHashEmptyContent(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(""))
}

func TestVerify(t *testing.T) {
	digest := Hash("the quick brown fox")

	assert.True(t, Verify("the quick brown fox", digest))
	assert.True(t, Verify("the quick brown fox", "0x"+digest))
	assert.False(t, Verify("the quick brown fox jumps", digest))
}

func TestVerifyMixedCaseDigest(t *testing.T) {
	assert.True(t, Verify("hello", "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"))
}
