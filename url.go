package smooth

import (
	"net/url"
	"strconv"
)

// encodeLiveURL injects the interactive and embed query parameters into a
// live-view URL, overwriting any same-named parameters already present and
// preserving everything else.
func encodeLiveURL(raw string, interactive, embed bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Message: "invalid live URL: " + err.Error()}
	}
	q := u.Query()
	q.Set("interactive", strconv.FormatBool(interactive))
	q.Set("embed", strconv.FormatBool(embed))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
