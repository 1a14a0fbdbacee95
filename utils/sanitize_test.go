package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeNote(t *testing.T) {
	assert.Equal(t, "bonus for event", SanitizeNote("  <script>alert(1)</script>bonus for <b>event</b> ", 200))
	assert.Equal(t, "", SanitizeNote("   ", 200))
	assert.Equal(t, "积分补偿", SanitizeNote("积分补偿说明", 4))
	assert.Len(t, []rune(SanitizeNote(strings.Repeat("x", 500), 200)), 200)
}
