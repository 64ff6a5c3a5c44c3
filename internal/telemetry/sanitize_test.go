package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, `ok`, Sanitize("o\x00k\n"))
	assert.Equal(t, `say \"hi\" \\ bye`, Sanitize(`say "hi" \ bye`))
	assert.Equal(t, "NL-Amsterdam#1", Sanitize("NL-Amsterdam#1\r"))
	assert.Equal(t, "", Sanitize("\x1b\x7f"))
}
