package smooth

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLiveURLAddsFlags(t *testing.T) {
	got, err := encodeLiveURL("https://live.example.com/v?b=tok", true, false)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "true", u.Query().Get("interactive"))
	assert.Equal(t, "false", u.Query().Get("embed"))
	assert.Equal(t, "tok", u.Query().Get("b"))
}

func TestEncodeLiveURLOverwritesDuplicates(t *testing.T) {
	got, err := encodeLiveURL("https://live.example.com/v?interactive=true&interactive=true", false, true)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, []string{"false"}, u.Query()["interactive"])
	assert.Equal(t, "true", u.Query().Get("embed"))
}

func TestEncodeLiveURLRejectsGarbage(t *testing.T) {
	_, err := encodeLiveURL("://not-a-url", true, false)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}
