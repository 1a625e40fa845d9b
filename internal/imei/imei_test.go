package imei

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	cases := map[string]string{
		"352099001761481 / 352099001761498 extra": "352099001761481 / 352099001761498",
		"352099001761498,352099001761481":         "352099001761481 / 352099001761498",
		"352099001761481 352099001761481":         "352099001761481",
		"IMEI:35209900176148":                     "35209900176148",
		"12345":                                   "",
		"35209900176148123":                       "",
		"":                                        "",
		"352099001761481.0":                       "352099001761481",
	}
	for raw, want := range cases {
		assert.Equal(t, want, Clean(raw), "raw=%q", raw)
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	inputs := []string{
		"352099001761498 / 352099001761481",
		"abc 3520990017614811 def 35209900176148",
		"no digits",
		"1234567890123456789",
	}
	for _, raw := range inputs {
		once := Clean(raw)
		assert.Equal(t, once, Clean(once), "raw=%q", raw)
	}
}

func TestMembers(t *testing.T) {
	assert.Equal(t, []string{"352099001761481", "352099001761498"}, Members("352099001761481 / 352099001761498"))
	assert.Equal(t, []string{"352099001761481"}, Members("352099001761481"))
	assert.Nil(t, Members(" "))
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("352099001761481", "352099001761481"))
	assert.True(t, Match("352099001761498 / 352099001761481", "352099001761481"))
	assert.True(t, Match("352099001761481", "352099001761481 / 352099001761498"))
	assert.False(t, Match("352099001761481", "352099001761499"))
	assert.False(t, Match("", "352099001761481"))
	assert.False(t, Match("n/a", ""))
}
