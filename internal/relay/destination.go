package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// DestinationFromPath extracts the destination address from an escaped
// request path of the form <prefix><percent-encoded destination>. The
// caller must pass the escaped path (http.Request.URL.EscapedPath), not
// the decoded one, so that encoded slashes inside the destination are
// not mistaken for path separators.
func DestinationFromPath(escapedPath, prefix string) (string, error) {
	encoded, found := strings.CutPrefix(escapedPath, prefix)
	if !found {
		return "", fmt.Errorf("path %q does not match prefix %q", escapedPath, prefix)
	}
	if encoded == "" {
		return "", fmt.Errorf("path %q has an empty destination", escapedPath)
	}

	dest, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("decode destination: %w", err)
	}
	if dest == "" {
		return "", fmt.Errorf("path %q decodes to an empty destination", escapedPath)
	}
	return dest, nil
}

// RedactDestination returns a loggable form of a destination address.
// The final path segment carries the stream key on common ingest URLs,
// so it is masked, along with any userinfo and query string.
func RedactDestination(dest string) string {
	u, err := url.Parse(dest)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "(unparseable destination)"
	}

	redacted := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
		segments[len(segments)-1] = "***"
		redacted += "/" + strings.Join(segments, "/")
	}
	return redacted
}
