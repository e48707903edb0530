package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	m, err := ParseMetadata([]byte(`{"service_type":"Essay Writing","word_count":3000,"referral":"spring","pages":12}`))
	require.NoError(t, err)
	assert.Equal(t, "Essay Writing", m.ServiceType)
	assert.Equal(t, 3000, m.WordCount)
	assert.Equal(t, map[string]string{"referral": "spring", "pages": "12"}, m.Extra)

	m, err = ParseMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, SubmissionMetadata{}, m)

	_, err = ParseMetadata([]byte(`{"word_count":"many"}`))
	assert.Error(t, err)
}

func TestMetadataClone(t *testing.T) {
	orig := SubmissionMetadata{Extra: map[string]string{"a": "1"}}
	cp := orig.Clone()
	cp.Extra["a"] = "2"
	assert.Equal(t, "1", orig.Extra["a"])
}

func TestParseChannel(t *testing.T) {
	ch, ok := ParseChannel("in-app")
	assert.True(t, ok)
	assert.Equal(t, ChannelInApp, ch)

	_, ok = ParseChannel("pager")
	assert.False(t, ok)
}
